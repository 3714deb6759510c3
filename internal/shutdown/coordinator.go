// Package shutdown drains in-flight record writes and pending replication
// before the process exits.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

// State is the coordinator lifecycle. Transitions only move forward.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Component is a part of the process with shutdown work. Either hook may be
// nil. Drain runs after in-flight writes have finished and returns the keys
// it could not drain; Stop runs last, in reverse registration order.
type Component struct {
	Name  string
	Drain func(ctx context.Context) ([]string, error)
	Stop  func() error
}

// DirtySource reports keys with uncommitted cache state.
type DirtySource interface {
	DirtyKeys() []string
}

// Report describes how a shutdown went.
type Report struct {
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
	InFlightKeys  []string            `json:"in_flight_keys,omitempty"`
	DirtyKeys     []string            `json:"dirty_keys,omitempty"`
	Undrained     map[string][]string `json:"undrained,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
	WritesTimeout bool                `json:"writes_timeout"`
}

// Clean reports whether every write and every drain completed.
func (r Report) Clean() bool {
	return !r.WritesTimeout && len(r.InFlightKeys) == 0 && len(r.DirtyKeys) == 0 &&
		len(r.Undrained) == 0 && len(r.Errors) == 0
}

// Coordinator tracks in-flight writes and runs the shutdown sequence once.
type Coordinator struct {
	config *config.ShutdownConfig
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	inFlight   map[string]int
	total      int
	idle       chan struct{}
	components []Component
	dirty      DirtySource

	once   sync.Once
	done   chan struct{}
	report Report
}

// NewCoordinator creates a coordinator in the running state.
func NewCoordinator(cfg *config.ShutdownConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		config:   cfg,
		logger:   logger,
		inFlight: make(map[string]int),
		idle:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Register adds a component. Components registered after shutdown started
// are ignored.
func (c *Coordinator) Register(comp Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		c.logger.Warn("component registered after shutdown started", "component", comp.Name)
		return
	}
	c.components = append(c.components, comp)
}

// SetDirtySource installs the source checked for uncommitted keys.
func (c *Coordinator) SetDirtySource(src DirtySource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = src
}

// Begin admits a write for key. The returned done func must be called when
// the write finishes; it is safe to call more than once.
func (c *Coordinator) Begin(key string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return nil, fmt.Errorf("%w: %s", domain.ErrStoreDraining, key)
	}
	c.inFlight[key]++
	c.total++

	var once sync.Once
	return func() {
		once.Do(func() { c.end(key) })
	}, nil
}

func (c *Coordinator) end(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[key]--; c.inFlight[key] <= 0 {
		delete(c.inFlight, key)
	}
	c.total--
	if c.total == 0 && c.state == StateDraining {
		close(c.idle)
	}
}

// InFlight returns the number of writes in progress.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Shutdown drains and stops everything, bounded by the configured grace
// period. Concurrent and repeated calls wait for and return the first
// call's report.
func (c *Coordinator) Shutdown(ctx context.Context) Report {
	c.once.Do(func() {
		c.report = c.shutdown(ctx)
		close(c.done)
	})
	<-c.done
	return c.report
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) shutdown(parent context.Context) Report {
	grace := c.config.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, grace)
	defer cancel()

	report := Report{StartedAt: time.Now(), Undrained: make(map[string][]string)}

	c.mu.Lock()
	c.state = StateDraining
	if c.total == 0 {
		close(c.idle)
	}
	inFlight := c.total
	components := append([]Component(nil), c.components...)
	dirty := c.dirty
	c.mu.Unlock()

	c.logger.Info("shutdown started", "in_flight_writes", inFlight, "grace_period", grace)

	select {
	case <-c.idle:
	case <-ctx.Done():
		report.WritesTimeout = true
		c.mu.Lock()
		for key := range c.inFlight {
			report.InFlightKeys = append(report.InFlightKeys, key)
		}
		c.mu.Unlock()
		sort.Strings(report.InFlightKeys)
		for _, key := range report.InFlightKeys {
			c.logger.Error("write still in flight at shutdown", "player_key", key)
		}
	}

	if dirty != nil {
		report.DirtyKeys = dirty.DirtyKeys()
		for _, key := range report.DirtyKeys {
			c.logger.Error("record not committed at shutdown", "player_key", key)
		}
	}

	for _, comp := range components {
		if comp.Drain == nil {
			continue
		}
		keys, err := comp.Drain(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", comp.Name, err))
			c.logger.Error("drain failed", "component", comp.Name, "error", err)
		}
		if len(keys) > 0 {
			report.Undrained[comp.Name] = keys
			for _, key := range keys {
				c.logger.Error("key not drained", "component", comp.Name, "player_key", key)
			}
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if comp.Stop == nil {
			continue
		}
		if err := comp.Stop(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", comp.Name, err))
			c.logger.Error("stop failed", "component", comp.Name, "error", err)
		}
	}

	if len(report.Undrained) == 0 {
		report.Undrained = nil
	}
	report.FinishedAt = time.Now()
	c.logger.Info("shutdown complete",
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"clean", report.Clean(),
	)
	return report
}

// Watch blocks until one of signals (SIGINT and SIGTERM by default) arrives
// or ctx is done, then shuts down. Further signals during shutdown are
// logged and otherwise ignored.
func (c *Coordinator) Watch(ctx context.Context, signals ...os.Signal) Report {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		c.logger.Info("context done, shutting down")
	}

	go func() {
		for {
			select {
			case sig := <-sigCh:
				c.logger.Warn("shutdown already in progress", "signal", sig.String())
			case <-c.done:
				return
			}
		}
	}()

	return c.Shutdown(context.Background())
}
