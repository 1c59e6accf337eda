// Package platform provides the deployment backends a svctree root mounts:
// a native process supervisor and a podman container driver. Several
// backends can be merged into one composite; operations go to whichever
// backend implements them.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/system"
)

var PlatformKind = services.ServiceKind.Extend("Platform")

var ErrUnsupportedPlatform = errors.New("platform: unsupported")

// StatusNotDeployed is reported until deploy has created the storage layout.
const StatusNotDeployed services.Status = "not deployed"

// DiskUsage is the space used by each functional area, in bytes.
type DiskUsage struct {
	Config       int64 `json:"config"`
	InstallImage int64 `json:"install_image"`
	InstallData  int64 `json:"install_data"`
	Repos        int64 `json:"repos"`
	Images       int64 `json:"images"`
	Data         int64 `json:"data"`
}

func (u DiskUsage) Total() int64 {
	return u.Config + u.InstallImage + u.InstallData + u.Repos + u.Images + u.Data
}

// deployed reports whether the storage reachable from svc has a config
// directory on disk.
func deployed(svc services.Service) (*system.Storage, bool) {
	st, err := system.StorageFrom(svc)
	if err != nil {
		return nil, false
	}
	return st, st.IsDir(st.ConfigDir())
}

// deployBase lays out storage, makes sure the user key exists and tightens
// permissions. Backends run it before their own deploy steps.
func deployBase(svc services.Service) (*system.Storage, error) {
	st, err := system.StorageFrom(svc)
	if err != nil {
		return nil, err
	}
	if err := st.CreateDirectories(); err != nil {
		return nil, err
	}
	crypto, err := cryptoFrom(svc, st)
	if err != nil {
		return nil, err
	}
	if _, err := crypto.EnsureUserKey(); err != nil {
		return nil, err
	}
	if err := st.EnsureSecurePermissions(); err != nil {
		return nil, err
	}
	return st, nil
}

func cryptoFrom(svc services.Service, st *system.Storage) (*system.CryptoService, error) {
	if found, err := services.Locate(svc, system.CryptoKind.ServiceName()); err == nil {
		if c, ok := found.(*system.CryptoService); ok {
			return c, nil
		}
	}
	// no crypto service in the tree; a detached one bound to st is enough
	return system.NewCryptoService(st)
}

// baseUsage measures the storage directories shared by every backend.
func baseUsage(st *system.Storage) DiskUsage {
	l := st.Layout()
	return DiskUsage{
		Config:       dirSize(l.Config) + dirSize(l.Runtime),
		InstallImage: dirSize(filepath.Join(l.Install(), "base")),
		InstallData:  dirSize(l.Data) + dirSize(l.State),
		Repos:        dirSize(l.Repos()),
		Data:         dirSize(l.Cache),
	}
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

func tail(data []byte, lines int) string {
	text := strings.TrimRight(string(data), "\n")
	if lines <= 0 || text == "" {
		return text
	}
	parts := strings.Split(text, "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}

func readTail(path string, lines int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return tail(data, lines), nil
}

// uninstallAction removes install data and caches, and with purge=true the
// config, data and state directories too. A running backend is refused.
func uninstallAction(svc services.Service) services.Action {
	return func(_ context.Context, args services.Args) (any, error) {
		if svc.Status() == services.StatusRunning {
			return nil, fmt.Errorf("%w: %q", services.ErrStillRunning, svc.FullPath())
		}
		st, err := system.StorageFrom(svc)
		if err != nil {
			return nil, err
		}
		l := st.Layout()
		dirs := []string{l.Install(), l.Cache}
		if purge, _ := strconv.ParseBool(args["purge"]); purge {
			dirs = append(dirs, l.Config, l.Data, l.State)
		}
		var removed []string
		for _, dir := range dirs {
			if !st.Exists(dir) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return removed, err
			}
			removed = append(removed, dir)
		}
		logs.Infof("platform.uninstall path=%q removed=%d", svc.FullPath(), len(removed))
		return removed, nil
	}
}

func duAction(svc services.Service, extra func(ctx context.Context, u *DiskUsage)) services.Action {
	return func(ctx context.Context, _ services.Args) (any, error) {
		st, err := system.StorageFrom(svc)
		if err != nil {
			return nil, err
		}
		usage := baseUsage(st)
		if extra != nil {
			extra(ctx, &usage)
		}
		return usage, nil
	}
}
