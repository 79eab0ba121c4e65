// Package embedding turns text into fixed-dimension vectors. Backends are
// selected by configuration and all satisfy Provider.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

// Provider is the capability every embedding backend exposes.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Name() string
}

// fit pads with zeros or truncates v to exactly dim entries.
func fit(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}

// classifyHTTP maps an HTTP status code to the error taxonomy.
// 429 and 5xx are worth retrying; other non-2xx codes are not.
func classifyHTTP(provider string, status int, body string) error {
	err := fmt.Errorf("unexpected status %d: %s", status, body)
	if status == http.StatusTooManyRequests || status >= 500 {
		return &domain.TransientProviderError{Provider: provider, Err: err}
	}
	return &domain.PermanentFailure{Reason: provider + " rejected request", Err: err}
}

// classifyTransport wraps network and context errors as transient.
func classifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &domain.TransientProviderError{Provider: provider, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.TransientProviderError{Provider: provider, Err: err}
}
