// Package reload owns the committed tunnel configuration and the
// all-or-nothing transition from one configuration to the next. At every
// observable instant the on-disk file, the in-memory document, and the
// external tunneling process agree on which configuration is live.
package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avtunnel/internal/observability"
	"github.com/vyrodovalexey/avtunnel/internal/status"
	"github.com/vyrodovalexey/avtunnel/internal/supervisor"
	"github.com/vyrodovalexey/avtunnel/internal/tunnel"
	"github.com/vyrodovalexey/avtunnel/internal/util"
)

// Default confirmation settings.
const (
	DefaultConfirmTimeout  = 5 * time.Second
	DefaultConfirmInterval = 100 * time.Millisecond
)

// Coordinator performs atomic configuration transitions. It owns the
// committed document; all other components only read immutable snapshots
// of it.
type Coordinator struct {
	confPath  string
	portRange tunnel.PortRange
	sup       supervisor.Supervisor
	sockets   status.SocketTable
	logger    observability.Logger
	metrics   *observability.Metrics

	confirmTimeout  time.Duration
	confirmInterval time.Duration

	// mu is the single reload lock. It is held for the whole apply
	// protocol; concurrent applies are rejected, never queued.
	mu sync.Mutex

	current    atomic.Pointer[tunnel.Document]
	generation atomic.Uint64

	// previous is the single-generation rollback snapshot, guarded by mu.
	previous *tunnel.Document
	// currentText caches Serialize(current), guarded by mu.
	currentText string
}

// Option is a functional option for configuring the coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics publishes reload outcomes as Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithSocketTable overrides the socket table used by the readiness probe.
func WithSocketTable(sockets status.SocketTable) Option {
	return func(c *Coordinator) {
		c.sockets = sockets
	}
}

// WithConfirmTimeout sets the bounded confirmation window.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.confirmTimeout = timeout
		}
	}
}

// WithConfirmInterval sets the readiness probe polling interval.
func WithConfirmInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.confirmInterval = interval
		}
	}
}

// NewCoordinator creates a coordinator for the given configuration file.
// The initial document is the one parsed from that file at startup; it
// becomes generation 1.
func NewCoordinator(
	confPath string,
	initial *tunnel.Document,
	portRange tunnel.PortRange,
	sup supervisor.Supervisor,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		confPath:        confPath,
		portRange:       portRange,
		sup:             sup,
		sockets:         status.OSSocketTable{},
		logger:          observability.NopLogger(),
		confirmTimeout:  DefaultConfirmTimeout,
		confirmInterval: DefaultConfirmInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.current.Store(initial)
	c.currentText = tunnel.Serialize(initial)
	c.generation.Store(1)

	if c.metrics != nil {
		c.metrics.SetGeneration(1)
		c.metrics.SetConfiguredTunnels(len(initial.Services))
	}

	return c
}

// Current returns the committed document. The returned document is
// immutable; callers must Clone() before modifying.
func (c *Coordinator) Current() *tunnel.Document {
	return c.current.Load()
}

// Generation returns the generation counter of the committed document.
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

// Previous returns the single-generation rollback snapshot, or nil when
// no apply has succeeded yet.
func (c *Coordinator) Previous() *tunnel.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// PortRange returns the allowed accept-port range.
func (c *Coordinator) PortRange() tunnel.PortRange {
	return c.portRange
}

// Apply performs the atomic transition to the candidate document:
// validate, persist atomically, signal the tunneling process, and confirm
// within a bounded window. On confirmation failure the on-disk file is
// restored and the process re-signaled, leaving the committed state
// untouched. Returns the generation of the committed document.
func (c *Coordinator) Apply(ctx context.Context, candidate *tunnel.Document) (uint64, error) {
	if !c.mu.TryLock() {
		return 0, util.ErrBusy
	}
	defer c.mu.Unlock()

	start := time.Now()
	gen, err := c.applyLocked(ctx, candidate)
	if c.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		c.metrics.RecordReload(result, time.Since(start))
	}
	return gen, err
}

// applyLocked runs the apply protocol with the reload lock held.
func (c *Coordinator) applyLocked(ctx context.Context, candidate *tunnel.Document) (uint64, error) {
	if err := tunnel.ValidateDocument(candidate, c.portRange); err != nil {
		return 0, err
	}

	candidateText := tunnel.Serialize(candidate)
	if candidateText == c.currentText {
		c.logger.Debug("configuration unchanged, skipping reload")
		return c.generation.Load(), nil
	}

	pid, err := c.sup.CurrentPID()
	if err != nil {
		return 0, err
	}
	if !c.sup.IsAlive(pid) {
		return 0, fmt.Errorf("process %d from pid file is not running: %w", pid, util.ErrProcessUnavailable)
	}

	if err := writeFileAtomic(c.confPath, candidateText); err != nil {
		return 0, util.NewReloadErrorWithCause("persist", "failed to write configuration file", false, err)
	}

	if err := c.sup.SendReload(pid); err != nil {
		c.rollbackFile(pid, false)
		return 0, util.NewReloadErrorWithCause("signal", "failed to signal tunneling process", true, err)
	}

	if err := c.confirm(ctx, pid, candidate); err != nil {
		c.rollbackFile(pid, true)
		return 0, util.NewReloadErrorWithCause("confirm", "tunneling process did not confirm reload", true, err)
	}

	c.previous = c.current.Load()
	c.current.Store(candidate)
	c.currentText = candidateText
	gen := c.generation.Add(1)

	if c.metrics != nil {
		c.metrics.SetGeneration(gen)
		c.metrics.SetConfiguredTunnels(len(candidate.Services))
	}

	c.logger.Info("configuration applied",
		observability.Uint64("generation", gen),
		observability.Int("services", len(candidate.Services)),
	)

	return gen, nil
}

// confirm is the readiness probe: within the confirmation window the
// process must stay alive and, where the socket table is observable,
// every accept port of the candidate must be listening. When socket
// enumeration is unavailable the probe degrades to liveness only.
func (c *Coordinator) confirm(ctx context.Context, pid int32, candidate *tunnel.Document) error {
	deadline := time.Now().Add(c.confirmTimeout)
	var lastReason string

	for {
		if !c.sup.IsAlive(pid) {
			return util.NewConfirmTimeoutError(c.confirmTimeout, "process exited after reload signal")
		}

		ok, reason := c.portsListening(ctx, candidate)
		if ok {
			return nil
		}
		lastReason = reason

		if time.Now().After(deadline) {
			return util.NewConfirmTimeoutError(c.confirmTimeout, lastReason)
		}

		select {
		case <-ctx.Done():
			return util.NewConfirmTimeoutError(c.confirmTimeout, ctx.Err().Error())
		case <-time.After(c.confirmInterval):
		}
	}
}

// portsListening checks that every candidate accept port is in LISTEN
// state. Enumeration failure counts as success: the probe then relies on
// liveness alone.
func (c *Coordinator) portsListening(ctx context.Context, candidate *tunnel.Document) (bool, string) {
	conns, err := c.sockets.TCPConnections(ctx)
	if err != nil {
		c.logger.Debug("socket table unavailable, confirming on liveness only",
			observability.Error(err),
		)
		return true, ""
	}

	listening := make(map[int]bool)
	for _, conn := range conns {
		if conn.Status == "LISTEN" {
			listening[int(conn.Laddr.Port)] = true
		}
	}

	for _, svc := range candidate.Services {
		if !listening[svc.Accept.Port] {
			return false, fmt.Sprintf("accept port %d of service %q not listening", svc.Accept.Port, svc.Name)
		}
	}
	return true, ""
}

// rollbackFile restores the previously committed file content and,
// optionally, re-signals the process to load it again. Both are
// best-effort: the committed in-memory document was never changed.
func (c *Coordinator) rollbackFile(pid int32, resignal bool) {
	if err := writeFileAtomic(c.confPath, c.currentText); err != nil {
		c.logger.Error("failed to restore previous configuration file",
			observability.String("path", c.confPath),
			observability.Error(err),
		)
		return
	}

	if resignal {
		if err := c.sup.SendReload(pid); err != nil {
			c.logger.Error("failed to re-signal process after rollback",
				observability.Error(err),
			)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordRollback()
	}

	c.logger.Warn("rolled back configuration file",
		observability.String("path", c.confPath),
	)
}

// writeFileAtomic writes content to a temporary file in the same
// directory, flushes it durably, and renames it over the target path, so
// no reader ever observes a partially written file.
func writeFileAtomic(path, content string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.WriteString(content); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
