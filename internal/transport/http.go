// Package transport delivers queued operations to the backend over HTTP
// and uploads media chunks to object storage.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/wire"
)

// IdempotencyHeader carries the operation id. The backend keeps at most one
// effect per key.
const IdempotencyHeader = "Idempotency-Key"

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// DeliveryError is a failed delivery attempt. Status is zero when no
// response was received.
type DeliveryError struct {
	OpID   string
	Status int
	Body   string
	Err    error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("deliver %s: status %d: %s", e.OpID, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("deliver %s: status %d", e.OpID, e.Status)
	default:
		return fmt.Sprintf("deliver %s: %v", e.OpID, e.Err)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is likely to clear on retry.
// Every failure is retried up to the queue's ceiling either way.
func (e *DeliveryError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsDeliveryError reports whether err is a DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// HTTPSender sends operations to a backend base URL.
type HTTPSender struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSender returns a sender with a bounded per-attempt timeout.
func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSender{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// Send performs the request described by op. A create answer must carry
// the server id.
func (s *HTTPSender) Send(ctx context.Context, op store.Operation) (outbox.Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, op.Method, s.BaseURL+op.Endpoint, bytes.NewReader(op.Payload))
	if err != nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, op.ID)
	req.Header.Set(wire.DigestHeader, wire.PayloadDigest(op.Payload))

	resp, err := s.Client.Do(req)
	if err != nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Status: resp.StatusCode, Body: errorMessage(body)}
	}

	if op.Kind != wire.KindMatchCreate {
		return outbox.Receipt{}, nil
	}
	var created wire.CreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Status: resp.StatusCode, Err: fmt.Errorf("decode create response: %w", err)}
	}
	if created.ID == "" {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Status: resp.StatusCode, Err: errors.New("create response has no id")}
	}
	return outbox.Receipt{ServerID: created.ID}, nil
}

func errorMessage(body []byte) string {
	var er wire.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return er.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
