package mcp

import (
	"context"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// HealthProbe runs Supervisor.Probe on a fixed interval.
type HealthProbe struct {
	sup      *Supervisor
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

func NewHealthProbe(sup *Supervisor, interval time.Duration, logger zerolog.Logger) *HealthProbe {
	return &HealthProbe{sup: sup, interval: interval, logger: logger}
}

// Start schedules the probe until ctx ends or Stop is called. A zero
// interval disables probing.
func (h *HealthProbe) Start(ctx context.Context) error {
	if h.interval <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+h.interval.String(), func() {
		h.sup.Probe(runCtx)
	}); err != nil {
		cancel()
		return err
	}
	h.cron, h.cancel = c, cancel
	c.Start()
	h.logger.Debug().Dur("interval", h.interval).Msg("health probe started")

	go func() {
		<-runCtx.Done()
		h.Stop()
	}()
	return nil
}

// Stop cancels the schedule and waits for an in-flight probe.
func (h *HealthProbe) Stop() {
	h.mu.Lock()
	c, cancel := h.cron, h.cancel
	h.cron, h.cancel = nil, nil
	h.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		h.logger.Warn().Msg("health probe stop timed out")
	}
}
