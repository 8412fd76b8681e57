// Package reachability answers whether the remote service can currently be
// reached, and notices when it becomes reachable again.
package reachability

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// Gate is a connectivity oracle. Online must be cheap enough to call before
// every replayed mutation.
type Gate interface {
	Online(ctx context.Context) bool
}

// Func adapts a function to the Gate interface
type Func func(ctx context.Context) bool

// Online implements Gate
func (f Func) Online(ctx context.Context) bool { return f(ctx) }

// Static is a Gate whose state is set explicitly, for platforms that push
// connectivity changes and for tests.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static gate in the given state
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Online implements Gate
func (s *Static) Online(context.Context) bool { return s.online.Load() }

// SetOnline changes the reported state
func (s *Static) SetOnline(online bool) { s.online.Store(online) }

// HTTPProbe reports online when a HEAD request to URL gets any HTTP response.
// Status codes are ignored: a 401 from the HAT still proves the network path.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// Online implements Gate
func (p *HTTPProbe) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
