// Package autoshutdown tracks managed-queue and active-job inactivity
// and requests an orderly daemon exit after a grace period, per
// spec.md §4.9. It is a single armed/cancelled timer driven by
// periodic registry snapshots, plus an optional Avahi-bound variant
// that also shuts down when the DNS-SD daemon disappears from the bus.
package autoshutdown

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cups-browsed-go/internal/logging"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/registry"
)

// Controller watches the registry for the configured inactivity
// condition and calls Shutdown once it has held for Timeout.
type Controller struct {
	Registry *registry.Registry

	Mode    model.ShutdownMode
	Timeout time.Duration

	// Shutdown is invoked (once) when the timer fires. The caller
	// supplies the actual process-exit behavior.
	Shutdown func()

	// AvahiBound, when true, also arms the timer whenever the Avahi
	// daemon's bus presence is reported absent, independent of Mode.
	AvahiBound bool

	mu         sync.Mutex
	enabled    bool
	timer      *time.Timer
	avahiAway  bool
	shutdownOn sync.Once
}

// New builds a Controller with the given mode and timeout; the
// controller starts enabled unless mode is ShutdownDisabled.
func New(reg *registry.Registry, mode model.ShutdownMode, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Controller{Registry: reg, Mode: mode, Timeout: timeout, enabled: mode != model.ShutdownDisabled}
}

// Enable toggles auto-shutdown tracking on, per SIGUSR1.
func (c *Controller) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

// Disable toggles auto-shutdown tracking off and cancels any pending
// timer, per SIGUSR2.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.cancelLocked()
}

// Run polls the registry on interval until ctx is cancelled,
// arming/cancelling the shutdown timer as the trigger condition
// changes.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := logging.Component("autoshutdown")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cancelLocked()
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.evaluate(log)
		}
	}
}

// OnAvahiPresenceChanged is the callback wired into
// internal/dbusnotify.Watcher.OnAvahiPresenceChanged for the
// Avahi-bound variant.
func (c *Controller) OnAvahiPresenceChanged(present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avahiAway = !present
	if !c.AvahiBound || !c.enabled {
		return
	}
	if c.avahiAway {
		c.armLocked()
	} else if !c.triggerConditionLocked() {
		c.cancelLocked()
	}
}

func (c *Controller) evaluate(log zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	if c.AvahiBound && c.avahiAway {
		if c.timer == nil {
			log.Info().Msg("avahi daemon unreachable; arming auto-shutdown")
		}
		c.armLocked()
		return
	}
	if c.triggerConditionLocked() {
		if c.timer == nil {
			log.Info().Dur("timeout", c.Timeout).Msg("inactivity condition met; arming auto-shutdown")
		}
		c.armLocked()
	} else {
		c.cancelLocked()
	}
}

// triggerConditionLocked reports whether the configured inactivity
// condition currently holds, per spec.md §4.9's no-queues/no-jobs
// modes. Caller must hold c.mu.
func (c *Controller) triggerConditionLocked() bool {
	switch c.Mode {
	case model.ShutdownNoQueues:
		return c.managedQueueCount() == 0
	case model.ShutdownNoJobs:
		return c.managedQueueCount() == 0 || c.activeJobCount() == 0
	default:
		return false
	}
}

func (c *Controller) managedQueueCount() int {
	count := 0
	for _, e := range c.Registry.All() {
		if e.Status == model.StatusConfirmed {
			count++
		}
	}
	return count
}

func (c *Controller) activeJobCount() int {
	total := 0
	for _, e := range c.Registry.All() {
		if e.Status == model.StatusConfirmed {
			total += e.Caps.ActiveJobCount
		}
	}
	return total
}

func (c *Controller) armLocked() {
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.Timeout, func() {
		c.shutdownOn.Do(func() {
			if c.Shutdown != nil {
				c.Shutdown()
			}
		})
	})
}

func (c *Controller) cancelLocked() {
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
}
