package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultProbeTTL     = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// Prober answers Reachable from a cached HTTP probe.
//
// The probe result is reused for TTL. Concurrent callers past the TTL share
// one probe. Observe lets a push channel report connectivity it has seen
// first hand, which refreshes the cache without a round trip.
type Prober struct {
	url     string
	http    *http.Client
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	checked time.Time
	up      bool

	flight singleflight.Group
}

type ProberOption func(*Prober)

func WithProbeHTTPClient(hc *http.Client) ProberOption {
	return func(p *Prober) { p.http = hc }
}

func WithProbeTTL(ttl time.Duration) ProberOption {
	return func(p *Prober) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithProbeLogger(log *slog.Logger) ProberOption {
	return func(p *Prober) { p.log = log }
}

// NewProber probes probeURL; any response below 500 counts as reachable.
func NewProber(probeURL string, opts ...ProberOption) *Prober {
	p := &Prober{
		url:     probeURL,
		http:    &http.Client{},
		ttl:     defaultProbeTTL,
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *Prober) Reachable(ctx context.Context) bool {
	p.mu.Lock()
	if !p.checked.IsZero() && p.now().Sub(p.checked) < p.ttl {
		up := p.up
		p.mu.Unlock()
		return up
	}
	p.mu.Unlock()

	v, _, _ := p.flight.Do("probe", func() (any, error) {
		up := p.probe(context.WithoutCancel(ctx))
		p.Observe(up)
		return up, nil
	})
	return v.(bool)
}

// Observe records a connectivity fact learnt elsewhere.
func (p *Prober) Observe(up bool) {
	p.mu.Lock()
	changed := p.checked.IsZero() || p.up != up
	p.up = up
	p.checked = p.now()
	p.mu.Unlock()

	if changed {
		p.log.Info("network.reachability", "up", up)
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.Warn("network.probe.fail", "url", p.url, "err", err)
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		p.log.Debug("network.probe.fail", "url", p.url, "err", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
