// Package supervisor locates and signals the external tunneling process.
//
// The control plane never spawns or restarts the process; it only reads
// the PID file, checks liveness, and delivers the reload signal. The
// narrow Supervisor interface exists so higher layers can be tested with
// a fake process.
package supervisor

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/vyrodovalexey/avtunnel/internal/observability"
	"github.com/vyrodovalexey/avtunnel/internal/util"
)

// Supervisor is the capability surface for the external tunneling process.
type Supervisor interface {
	// CurrentPID reads and parses the PID file.
	CurrentPID() (int32, error)
	// IsAlive reports whether the process with the given PID is running.
	IsAlive(pid int32) bool
	// SendReload delivers the configuration reload signal to the process.
	SendReload(pid int32) error
}

// ProcessSupervisor implements Supervisor against the local OS.
type ProcessSupervisor struct {
	pidFilePath string
	logger      observability.Logger
}

// Option is a functional option for configuring the supervisor.
type Option func(*ProcessSupervisor)

// WithLogger sets the logger for the supervisor.
func WithLogger(logger observability.Logger) Option {
	return func(s *ProcessSupervisor) {
		s.logger = logger
	}
}

// New creates a supervisor that reads the given PID file.
func New(pidFilePath string, opts ...Option) *ProcessSupervisor {
	s := &ProcessSupervisor{
		pidFilePath: pidFilePath,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentPID reads and parses the PID file.
func (s *ProcessSupervisor) CurrentPID() (int32, error) {
	data, err := os.ReadFile(s.pidFilePath)
	if err != nil {
		return 0, util.NewPIDFileError(s.pidFilePath, "cannot read", err)
	}

	content := strings.TrimSpace(string(data))
	pid, err := strconv.ParseInt(content, 10, 32)
	if err != nil || pid <= 0 {
		return 0, util.NewPIDFileError(s.pidFilePath, "does not contain a process id", err)
	}

	return int32(pid), nil
}

// IsAlive reports whether the process is running.
func (s *ProcessSupervisor) IsAlive(pid int32) bool {
	alive, err := process.PidExists(pid)
	if err != nil {
		s.logger.Warn("liveness check failed",
			observability.Int32("pid", pid),
			observability.Error(err),
		)
		return false
	}
	return alive
}

// SendReload delivers SIGHUP, which tells the tunneling process to reload
// its configuration without dropping active connections.
func (s *ProcessSupervisor) SendReload(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return util.WrapError(util.ErrProcessUnavailable, err.Error())
	}

	if err := proc.SendSignal(syscall.SIGHUP); err != nil {
		return util.WrapError(err, "failed to deliver reload signal")
	}

	s.logger.Debug("reload signal delivered", observability.Int32("pid", pid))
	return nil
}
