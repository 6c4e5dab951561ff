package globus

import (
	"errors"
	"fmt"
	"net/http"
)

// RemoteError is an error document returned by the Transfer API.
type RemoteError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("globus api error: http status %d, code %s: %s", e.HTTPStatus, e.Code, e.Message)
}

// IsNotFound reports whether err is a Transfer API 404.
func IsNotFound(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.HTTPStatus == http.StatusNotFound
}
