package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
)

// Forwarder delivers a routed message to its destination inbox.
type Forwarder interface {
	Forward(ctx context.Context, msg model.EmailMessage, destination, bcc string) error
}

// RouteTable maps (workstream, priority) to a destination inbox. A workstream
// entry under PriorityNormal doubles as the workstream default when no row
// exists for the message's priority.
type RouteTable map[model.Workstream]map[model.Priority]string

// Resolve returns the destination inbox for a classification. An unknown
// workstream resolves through the general table; a fully unknown combination
// returns the catch-all.
func (t RouteTable) Resolve(cls model.EmailClassification, catchAll string) string {
	if rows, ok := t[cls.Workstream]; ok {
		if dest, ok := rows[cls.Priority]; ok {
			return dest
		}
		if dest, ok := rows[model.PriorityNormal]; ok {
			return dest
		}
	}
	if rows, ok := t[model.WorkstreamGeneral]; ok {
		if dest, ok := rows[cls.Priority]; ok {
			return dest
		}
		if dest, ok := rows[model.PriorityNormal]; ok {
			return dest
		}
	}
	return catchAll
}

// HTTPForwarder posts messages to an outbound mail relay endpoint.
type HTTPForwarder struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPForwarder(endpoint, apiKey string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPForwarder{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type forwardRequest struct {
	To      string             `json:"to"`
	BCC     string             `json:"bcc,omitempty"`
	Message model.EmailMessage `json:"message"`
}

func (f *HTTPForwarder) Forward(ctx context.Context, msg model.EmailMessage, destination, bcc string) error {
	body, err := json.Marshal(forwardRequest{To: destination, BCC: bcc, Message: msg})
	if err != nil {
		return fmt.Errorf("email: marshal forward request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("email: create forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("email: forward call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("email: forward status %d", resp.StatusCode)
	}
	return nil
}

// forwardWithRetry retries transient failures with jittered exponential
// backoff; the context deadline bounds the whole sequence.
func forwardWithRetry(ctx context.Context, f Forwarder, msg model.EmailMessage, destination, bcc string, attempts int) error {
	if attempts <= 0 {
		attempts = 3
	}
	backoff := 200 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = f.Forward(ctx, msg, destination, bcc)
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		sleep := backoff + time.Duration(rand.Int64N(int64(backoff/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	return lastErr
}
