package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger hits the service's own health endpoint so hosting platforms that
// idle quiet instances keep it running.
type Pinger struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

func NewPinger(appURL string, interval time.Duration, httpClient *http.Client, logger *zap.Logger) *Pinger {
	return &Pinger{
		url:        appURL + "/health",
		interval:   interval,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Run pings every interval until ctx is done.
func (p *Pinger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Keep-alive started", zap.String("url", p.url), zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Keep-alive stopped")
			return
		case <-ticker.C:
			if err := p.Ping(ctx); err != nil {
				p.logger.Error("Keep-alive ping failed", zap.Error(err))
				continue
			}
			p.logger.Info("Keep-alive ping successful")
		}
	}
}

func (p *Pinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}
