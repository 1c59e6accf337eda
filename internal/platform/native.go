package platform

import (
	"context"
	"strconv"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/system"
)

var NativeKind = PlatformKind.Extend("NativePlatform")

// NativePlatform runs the server as a supervised local process.
type NativePlatform struct {
	services.Base
	daemon  *system.DaemonService
	logFile string
}

func NewNative(spec system.DaemonSpec, opts ...services.Option) (*NativePlatform, error) {
	n := &NativePlatform{logFile: spec.LogFile}
	opts = append([]services.Option{services.WithKind(NativeKind)}, opts...)
	if err := n.Init(n, opts...); err != nil {
		return nil, err
	}
	daemon, err := system.NewDaemonService(spec, services.WithParent(n))
	if err != nil {
		return nil, err
	}
	n.daemon = daemon

	n.Expose("deploy", func(context.Context, services.Args) (any, error) {
		if _, err := deployBase(n); err != nil {
			return nil, err
		}
		logs.Infof("platform.NativePlatform.deploy path=%q", n.FullPath())
		return "deployed", nil
	})
	n.Expose("build", func(context.Context, services.Args) (any, error) {
		return "nothing to build", nil
	})
	n.Expose("logs", n.logsAction)
	n.Expose("uninstall", uninstallAction(n))
	n.Expose("du", duAction(n, nil), services.Shared())
	return n, nil
}

func (n *NativePlatform) Daemon() *system.DaemonService { return n.daemon }

// Status is "not deployed" until the storage layout exists, then the
// daemon's status.
func (n *NativePlatform) Status() services.Status {
	if _, ok := deployed(n); !ok {
		return StatusNotDeployed
	}
	return n.daemon.Status()
}

func (n *NativePlatform) logsAction(_ context.Context, args services.Args) (any, error) {
	if n.logFile == "" {
		return "no logs available", nil
	}
	lines, _ := strconv.Atoi(args["lines"])
	return readTail(n.logFile, lines)
}
