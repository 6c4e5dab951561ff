package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/NCAR/tacc-backup/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var (
	requested = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	completed = requested.Add(3 * time.Hour)
	published = time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
)

func newTestPublisher(w *fakeWriter) *Publisher {
	p := newPublisher(w, "tacc-backup.transfers", zap.NewNop())
	p.now = func() time.Time { return published }
	return p
}

func decode(t *testing.T, msg kafka.Message) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	return ev
}

func TestSubmitted(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	err := p.Submitted(context.Background(), model.TransferRecord{
		File:        "backup_fn001.tar",
		TaskID:      "task-1",
		Status:      model.StatusActive,
		RequestTime: requested,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "backup_fn001.tar", string(msg.Key))
	assert.Contains(t, msg.Headers, kafka.Header{Key: "event-type", Value: []byte(TypeSubmitted)})

	ev := decode(t, msg)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TypeSubmitted, ev.Type)
	assert.Equal(t, "task-1", ev.TaskID)
	assert.Equal(t, "ACTIVE", ev.Status)
	assert.Empty(t, ev.PreviousStatus)
	assert.Nil(t, ev.CompletionTime)
	assert.True(t, ev.Timestamp.Equal(published))
}

func TestStatusChanged(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	err := p.StatusChanged(context.Background(), model.TransferRecord{
		File:           "backup_fn001.tar",
		TaskID:         "task-1",
		Status:         model.StatusSucceeded,
		RequestTime:    requested,
		CompletionTime: sql.NullTime{Time: completed, Valid: true},
	}, model.StatusActive)
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	ev := decode(t, w.messages[0])
	assert.Equal(t, TypeStatusChanged, ev.Type)
	assert.Equal(t, "SUCCEEDED", ev.Status)
	assert.Equal(t, "ACTIVE", ev.PreviousStatus)
	require.NotNil(t, ev.CompletionTime)
	assert.True(t, ev.CompletionTime.Equal(completed))
}

func TestPublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := newTestPublisher(w)

	err := p.Submitted(context.Background(), model.TransferRecord{File: "backup_fn001.tar"})
	assert.ErrorContains(t, err, "broker unreachable")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
