// Package events publishes transfer record changes to Kafka so downstream
// consumers can follow backups without reading the database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NCAR/tacc-backup/internal/model"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TypeSubmitted     = "transfer.submitted"
	TypeStatusChanged = "transfer.status_changed"

	source = "tacc-backup"
)

type Event struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Source         string     `json:"source"`
	File           string     `json:"file"`
	TaskID         string     `json:"task_id"`
	Status         string     `json:"status"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	RequestTime    time.Time  `json:"request_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(writer, topic, logger)
}

func newPublisher(w messageWriter, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{writer: w, topic: topic, logger: logger, now: time.Now}
}

func (p *Publisher) Submitted(ctx context.Context, rec model.TransferRecord) error {
	return p.publish(ctx, p.event(TypeSubmitted, rec, ""))
}

func (p *Publisher) StatusChanged(ctx context.Context, rec model.TransferRecord, previous model.Status) error {
	return p.publish(ctx, p.event(TypeStatusChanged, rec, previous))
}

func (p *Publisher) event(eventType string, rec model.TransferRecord, previous model.Status) Event {
	ev := Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		Source:         source,
		File:           rec.File,
		TaskID:         rec.TaskID,
		Status:         string(rec.Status),
		PreviousStatus: string(previous),
		RequestTime:    rec.RequestTime,
		Timestamp:      p.now().UTC(),
	}
	if rec.CompletionTime.Valid {
		completed := rec.CompletionTime.Time
		ev.CompletionTime = &completed
	}
	return ev
}

// publish keys messages by file so every event for one archive lands on the
// same partition, in order.
func (p *Publisher) publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.File),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "source", Value: []byte(source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for %s: %w", ev.Type, ev.File, err)
	}

	p.logger.Debug("event published",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("topic", p.topic),
		zap.String("file", ev.File))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
