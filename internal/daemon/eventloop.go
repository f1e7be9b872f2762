package daemon

import (
	"context"
	"time"
)

// EventLoop runs the daemon's periodic maintenance
type EventLoop struct {
	daemon *Daemon
}

// NewEventLoop creates an event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{daemon: d}
}

// Run ticks maintenance tasks until the context is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

func (e *EventLoop) processTasks() {
	status := e.daemon.Status()
	e.daemon.logger.Debug().
		Int("loaded", status.Loaded).
		Int("disabled", status.Disabled).
		Dur("uptime", status.Uptime).
		Msg("Registry stats")
}
