// Package restart implements the Restart Controller: it consumes
// became_unhealthy transitions from the Health Monitor and schedules
// backoff-governed restarts within each service's restart budget.
package restart

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/health"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/manager"
	"github.com/localportd/supervisor/internal/registry"
)

// defaultBackoff is used when a service has no explicit RestartPolicy.
var defaultBackoff = domain.RestartPolicy{
	MaxRestarts:       0,
	BackoffInitialS:   5,
	BackoffMultiplier: 2,
	BackoffMaxS:       60,
}

// Exhausted is emitted once per service when its restart budget is
// spent.
type Exhausted struct {
	ServiceID   uuid.UUID
	ServiceName string
	At          time.Time
}

// episode tracks one service's in-flight restart bookkeeping across a
// single FAILED episode; the attempted counter resets when the service is
// next observed healthy. cancel stops the self-driven retry
// loop started by the first became_unhealthy edge; the Health Monitor is
// edge-triggered (it never re-emits became_unhealthy while a service stays
// unhealthy), so once a loop is running it keeps scheduling its own
// attempts until it recovers (cancel fires) or the budget runs out.
type episode struct {
	mu        sync.Mutex
	attempted int
	cancel    context.CancelFunc
	exhausted bool
}

// Controller wires Health Monitor transitions to manager.Restart calls.
type Controller struct {
	mgr       *manager.Manager
	reg       *registry.Registry
	monitor   *health.Monitor
	logger    *logging.Logger
	exhausted chan Exhausted

	mu       sync.Mutex
	episodes map[uuid.UUID]*episode
}

// New constructs a Restart Controller. exhausted receives one Exhausted
// event per service whose restart budget is spent; callers should drain it
// (e.g. the Daemon Runtime's status/logs surface). monitor is the same
// Health Monitor instance feeding events; a successful restart resets its
// hysteresis failure counter for the service.
func New(mgr *manager.Manager, reg *registry.Registry, monitor *health.Monitor, logger *logging.Logger, exhausted chan Exhausted) *Controller {
	return &Controller{
		mgr:       mgr,
		reg:       reg,
		monitor:   monitor,
		logger:    logger,
		exhausted: exhausted,
		episodes:  make(map[uuid.UUID]*episode),
	}
}

// Run consumes transitions from events until ctx is cancelled. A healthy
// transition resets the service's episode counter; an unhealthy transition
// triggers restart evaluation.
func (c *Controller) Run(ctx context.Context, events <-chan health.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-events:
			if !ok {
				return
			}
			if t.Healthy {
				c.onHealthy(t.ServiceID)
				continue
			}
			c.onUnhealthy(ctx, t)
		}
	}
}

// onHealthy stops any in-flight retry loop for id and drops its episode,
// so the next became_unhealthy edge starts a fresh attempt count: the
// attempt counter resets the moment HealthState transitions back to
// healthy.
func (c *Controller) onHealthy(id uuid.UUID) {
	c.mu.Lock()
	ep, ok := c.episodes[id]
	delete(c.episodes, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	ep.mu.Lock()
	if ep.cancel != nil {
		ep.cancel()
	}
	ep.mu.Unlock()
}

func (c *Controller) episodeFor(id uuid.UUID) *episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.episodes[id]
	if !ok {
		ep = &episode{}
		c.episodes[id] = ep
	}
	return ep
}

// onUnhealthy starts the self-driving retry loop for t's service the first
// time it becomes unhealthy. The Health Monitor only emits became_unhealthy
// on the edge into unhealthy (domain.HealthState.RecordFailure fires once
// per episode, not once per failed probe), so a single edge must be enough
// to drive every subsequent restart attempt, backoff, and eventual
// RestartExhausted without waiting for another transition that will never
// come while the service stays down.
func (c *Controller) onUnhealthy(ctx context.Context, t health.Transition) {
	desc, ok := c.reg.Get(t.ServiceID)
	if !ok {
		c.logger.Warn("restart controller: service %s no longer in registry, skipping", t.ServiceName)
		return
	}

	c.logger.Event(logging.LevelWarn, logging.Event{
		Time:      t.At,
		Component: "restart",
		Service:   desc.Name,
		Kind:      string(domain.KindProbe),
		Message:   fmt.Sprintf("acting on unhealthy transition after %d consecutive failure(s): %s", t.Failures, t.LastError),
	})

	snap := c.mgr.Status(desc)
	if !snap.Status.CanRestart() {
		c.logger.Debug("restart controller: %s status %q not eligible for restart", desc.Name, snap.Status)
		return
	}

	ep := c.episodeFor(desc.ID)

	ep.mu.Lock()
	if ep.cancel != nil {
		// A retry loop is already driving this episode; coalesce.
		ep.mu.Unlock()
		return
	}
	if ep.exhausted {
		ep.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	ep.cancel = cancel
	ep.mu.Unlock()

	go c.runEpisode(loopCtx, desc, ep)
}

// runEpisode is the self-driving retry loop for one FAILED episode: it
// keeps scheduling restart(desc) with growing backoff, on its own, until
// either the episode is cancelled (the service was observed healthy again
// and onHealthy fired) or the restart budget runs out, at which point it
// emits Exhausted exactly once and stops.
func (c *Controller) runEpisode(ctx context.Context, desc *domain.ServiceDescriptor, ep *episode) {
	policy := desc.RestartPolicy
	if policy == nil {
		policy = &defaultBackoff
	}

	for {
		ep.mu.Lock()
		attempt := ep.attempted
		if !policy.HasBudget(attempt) {
			ep.exhausted = true
			ep.cancel = nil
			ep.mu.Unlock()
			c.logger.Warn("restart controller: %s restart budget (%d) exhausted, marking permanently failed", desc.Name, policy.MaxRestarts)
			c.mgr.MarkFailed(desc, fmt.Sprintf("restart budget (%d) exhausted", policy.MaxRestarts))
			c.publishExhausted(ctx, desc)
			return
		}
		ep.attempted++
		ep.mu.Unlock()

		backoff := computeBackoff(policy, attempt)
		c.logger.Info("restart controller: scheduling restart of %s after %s (attempt %d)", desc.Name, backoff, attempt+1)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.mgr.Restart(ctx, desc); err != nil {
			c.logger.Warn("restart controller: restart of %s failed: %v", desc.Name, err)
			continue
		}

		// A successful restart resets consecutive_failures so hysteresis is
		// measured fresh; the service still needs success_threshold good
		// probes before the Health Monitor considers it healthy again.
		if c.monitor != nil {
			c.monitor.ResetFailures(desc.ID)
		}
	}
}

func (c *Controller) publishExhausted(ctx context.Context, desc *domain.ServiceDescriptor) {
	ev := Exhausted{ServiceID: desc.ID, ServiceName: desc.Name, At: time.Now()}
	select {
	case c.exhausted <- ev:
	case <-ctx.Done():
	}
}

// computeBackoff returns min(initial * multiplier^attempt, max) seconds as
// a duration.
func computeBackoff(policy *domain.RestartPolicy, attempt int) time.Duration {
	seconds := policy.BackoffInitialS * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if policy.BackoffMaxS > 0 && seconds > policy.BackoffMaxS {
		seconds = policy.BackoffMaxS
	}
	return time.Duration(seconds * float64(time.Second))
}
