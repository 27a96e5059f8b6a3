package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ProbeMonitor is the opt-in fallback for deployments with no broker to
// lean on: it HEADs a known endpoint on an interval and feeds the result
// into the hub. Prefer MQTTMonitor; this one polls.
type ProbeMonitor struct {
	hub      *Hub
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProbeMonitor probes url every interval.
func NewProbeMonitor(hub *Hub, url string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ProbeMonitor{
		hub:      hub,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With("component", "connectivity-probe"),
	}
}

// Start launches the probe loop. The first probe fires immediately.
func (p *ProbeMonitor) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the probe loop.
func (p *ProbeMonitor) Stop() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}

func (p *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error("bad probe url", "url", p.url, "error", err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.hub.SetOnline(false)
		return
	}
	resp.Body.Close()
	p.hub.SetOnline(resp.StatusCode < 500)
}
