package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
)

var DaemonKind = services.ServiceKind.Extend("DaemonService")

var ErrDaemonExited = errors.New("system: daemon exited")

type DaemonSpec struct {
	Command string
	Args    []string
	// Autostart launches the process when the service starts; otherwise it
	// is launched through the "launch" capability.
	Autostart bool
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	// LogFile receives the process output; empty discards it.
	LogFile string
}

// DaemonService supervises one long-running subprocess.
type DaemonService struct {
	services.Base
	spec DaemonSpec

	stopping atomic.Bool

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	logOut  io.Closer
}

func NewDaemonService(spec DaemonSpec, opts ...services.Option) (*DaemonService, error) {
	if spec.StopGrace <= 0 {
		spec.StopGrace = 10 * time.Second
	}
	d := &DaemonService{spec: spec}
	opts = append([]services.Option{services.WithKind(DaemonKind)}, opts...)
	if err := d.Init(d, opts...); err != nil {
		return nil, err
	}
	d.Expose("launch", func(context.Context, services.Args) (any, error) {
		if err := d.Launch(); err != nil {
			return nil, err
		}
		pid, ok := d.PID()
		if !ok {
			return nil, fmt.Errorf("%w: %q exited right after launch", ErrDaemonExited, d.spec.Command)
		}
		return pid, nil
	})
	d.Expose("halt", func(context.Context, services.Args) (any, error) {
		return nil, d.Halt()
	})
	d.Expose("pid", func(context.Context, services.Args) (any, error) {
		pid, ok := d.PID()
		if !ok {
			return nil, fmt.Errorf("daemon %q is not running", d.FullPath())
		}
		return pid, nil
	}, services.Shared())
	return d, nil
}

// Start marks the service running, launching the process first when the
// spec asks for autostart.
func (d *DaemonService) Start() error {
	if d.spec.Autostart {
		if err := d.Launch(); err != nil {
			return err
		}
	}
	return d.Base.Start()
}

// Launch starts the process and records its pid. Launching a live daemon
// is a no-op; a process that already exited is replaced.
func (d *DaemonService) Launch() error {
	d.mu.Lock()
	if d.cmd != nil {
		select {
		case <-d.done:
			d.reapLocked()
		default:
			d.mu.Unlock()
			return nil
		}
	}
	cmd := exec.Command(d.spec.Command, d.spec.Args...)
	var logOut *os.File
	if d.spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(d.spec.LogFile), 0o755); err != nil {
			d.mu.Unlock()
			return err
		}
		f, err := os.OpenFile(d.spec.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		cmd.Stdout, cmd.Stderr = f, f
		logOut = f
	}
	if err := cmd.Start(); err != nil {
		if logOut != nil {
			logOut.Close()
		}
		d.mu.Unlock()
		return fmt.Errorf("start daemon %q: %w", d.spec.Command, err)
	}
	done := make(chan struct{})
	d.cmd, d.done, d.waitErr = cmd, done, nil
	if logOut != nil {
		d.logOut = logOut
	}
	d.stopping.Store(false)
	d.mu.Unlock()

	go func() {
		err := cmd.Wait()
		d.mu.Lock()
		d.waitErr = err
		d.mu.Unlock()
		close(done)
	}()

	if err := d.writePID(cmd.Process.Pid); err != nil {
		logs.Warnf("system.DaemonService.Launch pid file err=%v", err)
	}
	logs.Infof("system.DaemonService.Launch command=%q pid=%d", d.spec.Command, cmd.Process.Pid)
	return nil
}

// reapLocked drops an exited process so a new one can take its place.
func (d *DaemonService) reapLocked() {
	if d.logOut != nil {
		if err := d.logOut.Close(); err != nil {
			logs.Warnf("system.DaemonService.Launch close log err=%v", err)
		}
	}
	logs.Infof("system.DaemonService.Launch replacing exited pid=%d", d.cmd.Process.Pid)
	d.cmd, d.done, d.logOut, d.waitErr = nil, nil, nil, nil
}

// Stop halts the process and marks the service stopped.
func (d *DaemonService) Stop() error {
	return multierr.Append(d.Halt(), d.Base.Stop())
}

// Halt sends SIGTERM, kills after the grace period and clears the pid file.
func (d *DaemonService) Halt() error {
	d.stopping.Store(true)
	d.mu.Lock()
	cmd, done, logOut := d.cmd, d.done, d.logOut
	d.mu.Unlock()

	var err error
	if cmd != nil {
		err = multierr.Append(err, d.terminate(cmd, done))
		d.mu.Lock()
		d.cmd, d.done, d.logOut = nil, nil, nil
		d.mu.Unlock()
		if logOut != nil {
			err = multierr.Append(err, logOut.Close())
		}
		d.removePID()
	}
	return err
}

func (d *DaemonService) terminate(cmd *exec.Cmd, done chan struct{}) error {
	select {
	case <-done:
		return nil
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	timer := d.Clock().Timer(d.spec.StopGrace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}
	logs.Warnf("system.DaemonService.Halt pid=%d did not exit after %s, killing", cmd.Process.Pid, d.spec.StopGrace)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}

// Run waits for the process. An exit that Stop did not ask for is an error.
func (d *DaemonService) Run(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return d.Base.Run(ctx)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if d.stopping.Load() {
		return nil
	}
	d.mu.Lock()
	waitErr := d.waitErr
	d.mu.Unlock()
	if waitErr != nil {
		return fmt.Errorf("%w: %v", ErrDaemonExited, waitErr)
	}
	return ErrDaemonExited
}

// Status reflects the process rather than the running flag.
func (d *DaemonService) Status() services.Status {
	if _, ok := d.PID(); ok {
		return services.StatusRunning
	}
	return services.StatusStopped
}

// PID returns the pid of a live process.
func (d *DaemonService) PID() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil || d.done == nil {
		return 0, false
	}
	select {
	case <-d.done:
		return 0, false
	default:
		return d.cmd.Process.Pid, true
	}
}

func (d *DaemonService) writePID(pid int) error {
	st, err := StorageFrom(d)
	if err != nil {
		return err
	}
	return st.WriteFile(st.PIDFilePath(), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (d *DaemonService) removePID() {
	st, err := StorageFrom(d)
	if err != nil {
		return
	}
	if err := os.Remove(st.PIDFilePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logs.Warnf("system.DaemonService.Halt pid file err=%v", err)
	}
}
