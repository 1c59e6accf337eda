package platform

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/system"
	"github.com/danmuck/svctree/internal/tools"
)

const (
	Guessed = "guess"
	Native  = "native"
	Podman  = "podman"
)

// LookPath finds an executable; exec.LookPath in production.
type LookPath func(file string) (string, error)

// Deps carries what each backend needs to be built.
type Deps struct {
	Daemon   system.DaemonSpec
	Podman   PodmanSpec
	Runner   tools.CommandRunner
	LookPath LookPath
}

// Guess prefers podman when its binary is installed and falls back to the
// native backend.
func Guess(lookPath LookPath) string {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(Podman); err == nil {
		return Podman
	}
	return Native
}

// Resolve normalises a backend name, expanding "guess".
func Resolve(name string, lookPath LookPath) (string, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", Guessed:
		return Guess(lookPath), nil
	case Native, Podman:
		return n, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: %s, %s, %s)", ErrUnsupportedPlatform, name, Guessed, Native, Podman)
	}
}

// New builds the backend called name.
func New(name string, deps Deps, opts ...services.Option) (services.Service, error) {
	resolved, err := Resolve(name, deps.LookPath)
	if err != nil {
		return nil, err
	}
	switch resolved {
	case Podman:
		return NewPodman(deps.Podman, deps.Runner, opts...)
	default:
		return NewNative(deps.Daemon, opts...)
	}
}

// Mount builds every named backend, merges them in order and attaches the
// composite under parent. Names that resolve to the same backend are
// built once.
func Mount(parent services.Service, deps Deps, names ...string) (*services.Composite, error) {
	if len(names) == 0 {
		names = []string{Guessed}
	}
	seen := make(map[string]struct{}, len(names))
	var backends []services.Service
	for _, name := range names {
		resolved, err := Resolve(name, deps.LookPath)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		backend, err := New(resolved, deps)
		if err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	merged := services.Merge(backends...)
	if parent != nil {
		if err := parent.Add(merged); err != nil {
			return nil, err
		}
	}
	logs.Infof("platform.Mount path=%q backends=%d", merged.FullPath(), len(backends))
	return merged, nil
}

// Dispatch runs op on the first backend that implements it.
func Dispatch(ctx context.Context, backends []services.Service, op string, args services.Args) (any, error) {
	return services.DispatchServices(ctx, backends, op, args)
}
