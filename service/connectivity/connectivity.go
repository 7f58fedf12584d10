// Package connectivity exposes the device's network state to the dispatcher
// and sync orchestrator: a current boolean plus a change-notification stream.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Oracle reports whether the network is currently usable and notifies
// observers when that changes.
type Oracle interface {
	// Online reports the current connectivity state.
	Online(ctx context.Context) bool

	// Changes returns a stream of state transitions. Each value is the new
	// state. The channel is closed when the oracle shuts down.
	Changes() <-chan bool
}

// HTTPProbe is an Oracle backed by a periodic HEAD request against a probe
// URL. Any completed exchange counts as online, regardless of status code.
type HTTPProbe struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	online  bool
	changes chan bool
	done    chan struct{}
	once    sync.Once
}

// NewHTTPProbe creates a probe against url checking every interval.
func NewHTTPProbe(url string, interval time.Duration, logger *slog.Logger) *HTTPProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProbe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "connectivity_probe"),
		changes:  make(chan bool, 8),
		done:     make(chan struct{}),
	}
}

// Start begins probing in the background until Stop is called or ctx ends.
func (p *HTTPProbe) Start(ctx context.Context) {
	p.check(ctx)
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.Stop()
				return
			case <-p.done:
				return
			case <-ticker.C:
				p.check(ctx)
			}
		}
	}()
}

// Stop halts probing and closes the change stream.
func (p *HTTPProbe) Stop() {
	p.once.Do(func() {
		close(p.done)
		close(p.changes)
	})
}

func (p *HTTPProbe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.set(false)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.set(false)
		return
	}
	resp.Body.Close()
	p.set(true)
}

func (p *HTTPProbe) set(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Info("connectivity changed", "online", online)
	select {
	case p.changes <- online:
	default:
		// Slow observer; the current state is still readable via Online.
	}
}

// Online reports the last probe result.
func (p *HTTPProbe) Online(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Changes returns the state transition stream.
func (p *HTTPProbe) Changes() <-chan bool {
	return p.changes
}

// Static is a settable Oracle for tests.
type Static struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

// NewStatic creates a Static oracle in the given initial state.
func NewStatic(online bool) *Static {
	return &Static{online: online, changes: make(chan bool, 8)}
}

// SetOnline flips the state and notifies observers.
func (s *Static) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.changes <- online
	}
}

// Online reports the current state.
func (s *Static) Online(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Changes returns the state transition stream.
func (s *Static) Changes() <-chan bool {
	return s.changes
}
