package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chittyos/chittyrouter/internal/gateway"
)

// AIClassifier resolves unmatched requests through the AI gateway with a
// single short prompt over the service catalogue.
type AIClassifier struct {
	gw      *gateway.Client
	timeout time.Duration
}

// NewAIClassifier wraps the gateway for the dispatcher's third tier.
func NewAIClassifier(gw *gateway.Client, timeout time.Duration) *AIClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AIClassifier{gw: gw, timeout: timeout}
}

// ClassifyRequest asks the model to pick one service key for the request.
// The answer is normalized to a bare key; anything else is an error so the
// dispatcher falls through to its default service.
func (c *AIClassifier) ClassifyRequest(ctx context.Context, host, path, hint string, services []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Route this request to one backend service.\nHost: %s\nPath: %s\nContent-Type: %s\n\nServices: %s\n\nAnswer with exactly one service key from the list, nothing else.",
		host, path, hint, strings.Join(services, ", "))

	res := c.gw.Complete(ctx, prompt, gateway.Options{MaxTokens: 16, Temperature: 0})
	if !res.Success {
		return "", fmt.Errorf("dispatch: classify request: %s", res.LastError)
	}

	key := strings.ToLower(strings.Trim(strings.TrimSpace(res.Text), `"'.`))
	for _, svc := range services {
		if key == svc {
			return svc, nil
		}
	}
	return "", fmt.Errorf("dispatch: classifier answer %q is not a service key", key)
}
