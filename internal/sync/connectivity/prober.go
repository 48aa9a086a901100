package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/studysync/backend/internal/logging"
)

// ProberConfig configures a reachability Prober.
type ProberConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// Prober is a Source that validates real connectivity by periodically
// requesting a well-known endpoint. It reports online only while the
// endpoint answers 2xx. Each probe is a network round trip.
type Prober struct {
	cfg    ProberConfig
	source *ManualSource

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewProber creates a Prober that starts in the offline state.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Prober{
		cfg:    cfg,
		source: NewManualSource(false),
		stop:   make(chan struct{}),
	}
}

// Online returns the result of the latest probe.
func (p *Prober) Online() bool {
	return p.source.Online()
}

// Subscribe returns a channel of probe state changes.
func (p *Prober) Subscribe() (<-chan bool, func()) {
	return p.source.Subscribe()
}

// Start probes immediately and then on every interval until ctx is done or
// Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.loop(ctx)
	})
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.source.Set(p.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.source.Set(p.Probe(ctx))
		}
	}
}

// Probe performs one reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		logging.Error("Invalid connectivity probe URL", err, map[string]interface{}{"url": p.cfg.URL})
		return false
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
