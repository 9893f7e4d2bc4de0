package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/config"
)

const defaultTimeout = 5 * time.Second

// Probe performs the post-deploy HTTP check.
type Probe struct {
	cfg    config.HealthConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a probe with its own bounded HTTP client.
func New(cfg config.HealthConfig, logger *slog.Logger) *Probe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Probe{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
}

// URL returns the endpoint being probed.
func (p *Probe) URL() string {
	return p.cfg.URL
}

// Check issues exactly one GET. Any transport failure yields status 0 and the
// error text; any HTTP status is passed through unchanged.
func (p *Probe) Check(ctx context.Context) domain.ProbeResult {
	if p.cfg.DryRun {
		p.logger.Info("healthcheck skipped", "dry_run", true)
		return domain.ProbeResult{StatusCode: http.StatusOK, DryRun: true}
	}

	start := p.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return p.failed(start, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return p.failed(start, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	elapsed := p.now().Sub(start).Milliseconds()
	p.logger.Info("healthcheck finished", "url", p.cfg.URL, "status_code", resp.StatusCode, "duration_ms", elapsed)
	return domain.ProbeResult{StatusCode: resp.StatusCode, DurationMS: elapsed}
}

func (p *Probe) failed(start time.Time, err error) domain.ProbeResult {
	elapsed := p.now().Sub(start).Milliseconds()
	p.logger.Warn("healthcheck request failed", "url", p.cfg.URL, "error", err, "duration_ms", elapsed)
	return domain.ProbeResult{StatusCode: 0, DurationMS: elapsed, Error: err.Error()}
}
