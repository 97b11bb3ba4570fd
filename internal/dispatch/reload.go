package dispatch

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const reloadTimeout = 5 * time.Second

// afterChange asks the target application to reload once generated routes
// changed. Failures are logged only.
func (d *Dispatcher) afterChange(ctx context.Context) {
	if d.cfg.DryRun || !d.cfg.AfterChange.AutoReload || d.cfg.AfterChange.ReloadURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	url := d.cfg.AfterChange.ReloadURL
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		d.logger.Warn("auto-reload request", zap.String("url", url), zap.Error(err))
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("auto-reload failed", zap.String("url", url), zap.Error(err))
		return
	}
	resp.Body.Close()
	d.logger.Info("auto-reload", zap.String("url", url), zap.Int("status", resp.StatusCode))
}
