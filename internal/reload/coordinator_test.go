package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avtunnel/internal/tunnel"
	"github.com/vyrodovalexey/avtunnel/internal/util"
)

var testRange = tunnel.PortRange{Min: 50000, Max: 50010}

// fakeSupervisor simulates the external tunneling process and records
// delivered reload signals.
type fakeSupervisor struct {
	mu        sync.Mutex
	pid       int32
	pidErr    error
	alive     bool
	signalErr error
	signals   int
	// dieOnSignal makes the process exit right after the first signal.
	dieOnSignal bool
}

func (f *fakeSupervisor) CurrentPID() (int32, error) { return f.pid, f.pidErr }

func (f *fakeSupervisor) IsAlive(int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSupervisor) SendReload(int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.signals++
	if f.dieOnSignal {
		f.alive = false
	}
	return nil
}

func (f *fakeSupervisor) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals
}

// fakeSockets serves a canned socket table.
type fakeSockets struct {
	conns []gnet.ConnectionStat
	err   error
}

func (f *fakeSockets) TCPConnections(context.Context) ([]gnet.ConnectionStat, error) {
	return f.conns, f.err
}

// listeningOn builds a socket table with the given ports in LISTEN state.
func listeningOn(ports ...int) *fakeSockets {
	f := &fakeSockets{}
	for _, port := range ports {
		f.conns = append(f.conns, gnet.ConnectionStat{
			Status: "LISTEN",
			Laddr:  gnet.Addr{IP: "0.0.0.0", Port: uint32(port)},
		})
	}
	return f
}

func initialDocument() *tunnel.Document {
	return &tunnel.Document{
		Global: tunnel.GlobalSettings{
			Foreground: true,
			PIDFile:    "/var/run/stunnel.pid",
		},
		Services: []tunnel.ServiceEntry{
			{
				Name:    "web",
				Role:    tunnel.RoleServer,
				Accept:  tunnel.Endpoint{Port: 50000},
				Connect: tunnel.Endpoint{Host: "127.0.0.1", Port: 8080},
			},
		},
	}
}

// newTestCoordinator seeds a config file with the initial document and
// returns a coordinator over it.
func newTestCoordinator(t *testing.T, sup *fakeSupervisor, opts ...Option) (*Coordinator, string) {
	t.Helper()

	confPath := filepath.Join(t.TempDir(), "stunnel.conf")
	initial := initialDocument()
	require.NoError(t, os.WriteFile(confPath, []byte(tunnel.Serialize(initial)), 0o644))

	base := []Option{
		WithConfirmTimeout(200 * time.Millisecond),
		WithConfirmInterval(10 * time.Millisecond),
	}
	c := NewCoordinator(confPath, initial, testRange, sup, append(base, opts...)...)
	return c, confPath
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApply_Success(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{pid: 100, alive: true}
	c, confPath := newTestCoordinator(t, sup,
		WithSocketTable(listeningOn(50000, 50001)),
	)

	candidate := c.Current().Clone()
	candidate.Services = append(candidate.Services, tunnel.ServiceEntry{
		Name:    "mail",
		Role:    tunnel.RoleServer,
		Accept:  tunnel.Endpoint{Port: 50001},
		Connect: tunnel.Endpoint{Host: "127.0.0.1", Port: 2525},
	})

	gen, err := c.Apply(context.Background(), candidate)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), gen)
	assert.Equal(t, uint64(2), c.Generation())
	assert.Equal(t, 1, sup.signalCount())
	assert.Equal(t, tunnel.Serialize(candidate), readFile(t, confPath))

	require.Len(t, c.Current().Services, 2)
	assert.Equal(t, "mail", c.Current().Services[1].Name)

	require.NotNil(t, c.Previous())
	assert.Len(t, c.Previous().Services, 1)
}

func TestApply_ValidationRejectionIsPure(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{pid: 100, alive: true}
	c, confPath := newTestCoordinator(t, sup, WithSocketTable(listeningOn(50000)))
	before := readFile(t, confPath)

	candidate := c.Current().Clone()
	candidate.Services[0].Accept.Port = 60000 // outside the allowed range

	_, err := c.Apply(context.Background(), candidate)
	require.Error(t, err)

	var verrs tunnel.ValidationErrors
	require.True(t, errors.As(err, &verrs))

	assert.Equal(t, uint64(1), c.Generation())
	assert.Equal(t, before, readFile(t, confPath))
	assert.Zero(t, sup.signalCount())
}

func TestApply_IdenticalDocumentIsNoOp(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{pid: 100, alive: true}
	c, confPath := newTestCoordinator(t, sup, WithSocketTable(listeningOn(50000)))
	before := readFile(t, confPath)

	gen, err := c.Apply(context.Background(), c.Current().Clone())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, before, readFile(t, confPath))
	assert.Zero(t, sup.signalCount())
	assert.Nil(t, c.Previous())
}

func TestApply_ProcessUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sup  *fakeSupervisor
	}{
		{name: "pid file unreadable", sup: &fakeSupervisor{pidErr: util.NewPIDFileError("/p", "cannot read", nil)}},
		{name: "stale pid", sup: &fakeSupervisor{pid: 100, alive: false}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, confPath := newTestCoordinator(t, tt.sup, WithSocketTable(listeningOn(50000)))
			before := readFile(t, confPath)

			candidate := c.Current().Clone()
			candidate.Services[0].Connect.Port = 9090

			_, err := c.Apply(context.Background(), candidate)
			require.Error(t, err)
			assert.True(t, errors.Is(err, util.ErrProcessUnavailable))

			assert.Equal(t, uint64(1), c.Generation())
			assert.Equal(t, before, readFile(t, confPath))
			assert.Zero(t, tt.sup.signalCount())
		})
	}
}

func TestApply_ConfirmFailureRollsBack(t *testing.T) {
	t.Parallel()

	// Port 50001 never shows up in the socket table, so confirmation
	// exhausts its window.
	sup := &fakeSupervisor{pid: 100, alive: true}
	c, confPath := newTestCoordinator(t, sup, WithSocketTable(listeningOn(50000)))
	before := readFile(t, confPath)

	candidate := c.Current().Clone()
	candidate.Services = append(candidate.Services, tunnel.ServiceEntry{
		Name:    "mail",
		Role:    tunnel.RoleServer,
		Accept:  tunnel.Endpoint{Port: 50001},
		Connect: tunnel.Endpoint{Host: "127.0.0.1", Port: 2525},
	})

	_, err := c.Apply(context.Background(), candidate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrReloadFailed))

	var relErr *util.ReloadError
	require.True(t, errors.As(err, &relErr))
	assert.Equal(t, "confirm", relErr.Stage)
	assert.True(t, relErr.RolledBack)

	var timeoutErr *util.ConfirmTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Contains(t, timeoutErr.Reason, "50001")

	// Committed state is untouched and the file is byte-identical to the
	// previous content. Two signals: the apply and the rollback re-signal.
	assert.Equal(t, uint64(1), c.Generation())
	assert.Len(t, c.Current().Services, 1)
	assert.Equal(t, before, readFile(t, confPath))
	assert.Equal(t, 2, sup.signalCount())
}

func TestApply_ProcessExitDuringConfirmRollsBack(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{pid: 100, alive: true, dieOnSignal: true}
	c, confPath := newTestCoordinator(t, sup, WithSocketTable(&fakeSockets{}))
	before := readFile(t, confPath)

	candidate := c.Current().Clone()
	candidate.Services[0].Connect.Port = 9090

	_, err := c.Apply(context.Background(), candidate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrReloadFailed))

	var relErr *util.ReloadError
	require.True(t, errors.As(err, &relErr))
	assert.Equal(t, "confirm", relErr.Stage)
	assert.True(t, relErr.RolledBack)

	assert.Equal(t, uint64(1), c.Generation())
	assert.Equal(t, before, readFile(t, confPath))
}

func TestApply_SignalFailureRollsBack(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{pid: 100, alive: true, signalErr: errors.New("operation not permitted")}
	c, confPath := newTestCoordinator(t, sup, WithSocketTable(listeningOn(50000)))
	before := readFile(t, confPath)

	candidate := c.Current().Clone()
	candidate.Services[0].Connect.Port = 9090

	_, err := c.Apply(context.Background(), candidate)
	require.Error(t, err)

	var relErr *util.ReloadError
	require.True(t, errors.As(err, &relErr))
	assert.Equal(t, "signal", relErr.Stage)
	assert.True(t, relErr.RolledBack)

	assert.Equal(t, uint64(1), c.Generation())
	assert.Equal(t, before, readFile(t, confPath))
}

func TestApply_EnumerationFailureConfirmsOnLiveness(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{pid: 100, alive: true}
	c, _ := newTestCoordinator(t, sup,
		WithSocketTable(&fakeSockets{err: errors.New("permission denied")}),
	)

	candidate := c.Current().Clone()
	candidate.Services[0].Connect.Port = 9090

	gen, err := c.Apply(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
}

// blockingSockets parks the first enumeration until released, keeping the
// reload lock held inside the confirmation probe.
type blockingSockets struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSockets) TCPConnections(context.Context) ([]gnet.ConnectionStat, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return []gnet.ConnectionStat{
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "0.0.0.0", Port: 50000}},
	}, nil
}

func TestApply_ConcurrentApplyRejectedWithBusy(t *testing.T) {
	t.Parallel()

	sockets := &blockingSockets{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	sup := &fakeSupervisor{pid: 100, alive: true}
	c, _ := newTestCoordinator(t, sup, WithSocketTable(sockets))

	candidate := c.Current().Clone()
	candidate.Services[0].Connect.Port = 9090

	done := make(chan error, 1)
	go func() {
		_, err := c.Apply(context.Background(), candidate)
		done <- err
	}()

	// Wait until the first apply holds the lock inside the probe.
	select {
	case <-sockets.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first apply never reached the confirmation probe")
	}

	_, err := c.Apply(context.Background(), candidate.Clone())
	assert.True(t, errors.Is(err, util.ErrBusy))

	close(sockets.release)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(2), c.Generation())
}

func TestApply_ContextCancelledDuringConfirm(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{pid: 100, alive: true}
	c, _ := newTestCoordinator(t, sup,
		WithSocketTable(&fakeSockets{}),
		WithConfirmTimeout(5*time.Second),
	)

	candidate := c.Current().Clone()
	candidate.Services[0].Connect.Port = 9090

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Apply(ctx, candidate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrReloadFailed))
}

func TestWriteFileAtomic_ReplacesContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.conf")
	require.NoError(t, writeFileAtomic(path, "first\n"))
	require.NoError(t, writeFileAtomic(path, "second\n"))

	assert.Equal(t, "second\n", readFile(t, path))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
