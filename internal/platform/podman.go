package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/tools"
)

var PodmanKind = PlatformKind.Extend("PodmanPlatform")

const statusTimeout = 5 * time.Second

// PodmanSpec describes the image and container podman manages.
type PodmanSpec struct {
	Binary       string
	Image        string
	Container    string
	Ports        []string
	BuildContext string
	// Source, when set, builds the image from fetched source instead of a
	// released binary.
	Source SourceSpec
	// DaemonBinary is a prebuilt svctreed copied into the build context.
	// Empty means an svctreed next to the running executable; without one
	// the image installs the released module instead.
	DaemonBinary string
}

const daemonBinaryName = "svctreed"

var executablePath = os.Executable

// PodmanPlatform drives a podman container, locally or over SSH depending
// on the runner.
type PodmanPlatform struct {
	services.Base
	spec   PodmanSpec
	runner tools.CommandRunner
}

func NewPodman(spec PodmanSpec, runner tools.CommandRunner, opts ...services.Option) (*PodmanPlatform, error) {
	if strings.TrimSpace(spec.Binary) == "" {
		spec.Binary = "podman"
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	p := &PodmanPlatform{spec: spec, runner: runner}
	opts = append([]services.Option{services.WithKind(PodmanKind)}, opts...)
	if err := p.Init(p, opts...); err != nil {
		return nil, err
	}
	p.Expose("deploy", p.deploy)
	p.Expose("build", p.build)
	p.Expose("up", p.up)
	p.Expose("down", p.down)
	p.Expose("logs", p.logs)
	p.Expose("uninstall", uninstallAction(p))
	p.Expose("du", duAction(p, p.imageUsage), services.Shared())
	return p, nil
}

func (p *PodmanPlatform) podman(ctx context.Context, args ...string) (tools.Result, error) {
	res, err := p.runner.Run(ctx, p.spec.Binary, args...)
	if err != nil {
		logs.Debugf("platform.PodmanPlatform.podman args=%q exit=%d err=%v", args, res.ExitCode, err)
		if out := res.Output(); out != "" {
			return res, fmt.Errorf("podman %s: %w: %s", args[0], err, out)
		}
		return res, fmt.Errorf("podman %s: %w", args[0], err)
	}
	return res, nil
}

// Status reports the container state: running, stopped or not found.
func (p *PodmanPlatform) Status() services.Status {
	if _, ok := deployed(p); !ok {
		return StatusNotDeployed
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	res, err := p.podman(ctx, "ps", "-a", "--filter", "name="+p.spec.Container, "--format", "{{.Names}} {{.Status}}")
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		name, status, _ := strings.Cut(strings.TrimSpace(line), " ")
		if name != p.spec.Container {
			continue
		}
		if strings.HasPrefix(status, "Up") {
			return services.StatusRunning
		}
		return services.StatusStopped
	}
	return "not found"
}

func (p *PodmanPlatform) containerfileDir() (string, error) {
	if p.spec.BuildContext != "" {
		return p.spec.BuildContext, nil
	}
	st, ok := deployed(p)
	if st == nil {
		return "", fmt.Errorf("podman: no storage for build context")
	}
	if !ok {
		return "", fmt.Errorf("podman: not deployed")
	}
	return filepath.Join(st.Layout().Install(), "base"), nil
}

func (p *PodmanPlatform) deploy(ctx context.Context, _ services.Args) (any, error) {
	st, err := deployBase(p)
	if err != nil {
		return nil, err
	}
	l := st.Layout()
	dir := filepath.Join(l.Install(), "base")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	for _, stale := range []string{"repo", daemonBinaryName} {
		if err := os.RemoveAll(filepath.Join(dir, stale)); err != nil {
			return nil, err
		}
	}

	var file string
	switch {
	case !p.spec.Source.Empty():
		repo := filepath.Join(l.Repos(), "svctree")
		if err := fetchSource(ctx, p.spec.Source, l.Repos(), repo); err != nil {
			return nil, err
		}
		if err := copyDir(repo, filepath.Join(dir, "repo")); err != nil {
			return nil, err
		}
		file = sourceContainerfile
	default:
		bin, err := p.daemonBinary()
		if err != nil {
			return nil, err
		}
		if bin == "" {
			file = installContainerfile
			break
		}
		if err := copyFile(bin, filepath.Join(dir, daemonBinaryName), 0o755); err != nil {
			return nil, fmt.Errorf("podman: stage %s: %w", bin, err)
		}
		file = releaseContainerfile
	}
	if err := os.WriteFile(filepath.Join(dir, "Containerfile"), []byte(file), 0o644); err != nil {
		return nil, err
	}
	logs.Infof("platform.PodmanPlatform.deploy path=%q context=%q source=%t", p.FullPath(), dir, !p.spec.Source.Empty())
	return "deployed", nil
}

// daemonBinary returns the svctreed to stage, or "" when none is at hand.
// A configured path must exist.
func (p *PodmanPlatform) daemonBinary() (string, error) {
	if bin := strings.TrimSpace(p.spec.DaemonBinary); bin != "" {
		info, err := os.Stat(bin)
		if err != nil {
			return "", fmt.Errorf("podman: daemon binary: %w", err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("podman: daemon binary %s is a directory", bin)
		}
		return bin, nil
	}
	exe, err := executablePath()
	if err != nil {
		return "", nil
	}
	sibling := filepath.Join(filepath.Dir(exe), daemonBinaryName)
	if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
		return sibling, nil
	}
	return "", nil
}

func (p *PodmanPlatform) build(ctx context.Context, args services.Args) (any, error) {
	dir, err := p.containerfileDir()
	if err != nil {
		return nil, err
	}
	cmd := []string{"build", "-t", p.spec.Image}
	if v := strings.TrimSpace(args["version"]); v != "" {
		cmd = append(cmd, "--build-arg", "VERSION="+v)
	}
	cmd = append(cmd, dir)
	if _, err := p.podman(ctx, cmd...); err != nil {
		return nil, err
	}
	return p.spec.Image, nil
}

func (p *PodmanPlatform) up(ctx context.Context, _ services.Args) (any, error) {
	cmd := []string{"run", "-d", "--replace", "--name", p.spec.Container}
	for _, port := range p.spec.Ports {
		cmd = append(cmd, "-p", port)
	}
	cmd = append(cmd, p.spec.Image)
	res, err := p.podman(ctx, cmd...)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func (p *PodmanPlatform) down(ctx context.Context, _ services.Args) (any, error) {
	if _, err := p.podman(ctx, "stop", p.spec.Container); err != nil {
		return nil, err
	}
	return p.spec.Container, nil
}

func (p *PodmanPlatform) logs(ctx context.Context, args services.Args) (any, error) {
	cmd := []string{"logs"}
	if n, err := strconv.Atoi(args["lines"]); err == nil && n > 0 {
		cmd = append(cmd, "--tail", strconv.Itoa(n))
	}
	cmd = append(cmd, p.spec.Container)
	res, err := p.podman(ctx, cmd...)
	if err != nil {
		return nil, err
	}
	return res.Output(), nil
}

type podmanImage struct {
	Size int64 `json:"Size"`
}

// imageUsage adds the size of the configured image to u. Failures leave u
// untouched.
func (p *PodmanPlatform) imageUsage(ctx context.Context, u *DiskUsage) {
	repo, _, _ := strings.Cut(p.spec.Image, ":")
	res, err := p.podman(ctx, "images", "--format", "json", "--filter", "reference="+repo)
	if err != nil {
		return
	}
	var images []podmanImage
	if err := json.Unmarshal(res.Stdout, &images); err != nil {
		logs.Debugf("platform.PodmanPlatform.imageUsage decode err=%v", err)
		return
	}
	for _, img := range images {
		u.Images += img.Size
	}
}

const releaseContainerfile = `FROM docker.io/library/debian:stable-slim
ARG VERSION=latest
LABEL org.opencontainers.image.title="svctree" org.opencontainers.image.version="${VERSION}"
COPY svctreed /usr/local/bin/svctreed
EXPOSE 8080
ENTRYPOINT ["/usr/local/bin/svctreed"]
`

const installContainerfile = `FROM docker.io/library/golang:1.24 AS build
ARG VERSION=latest
RUN CGO_ENABLED=0 GOBIN=/out go install github.com/danmuck/svctree/cmd/svctreed@${VERSION}

FROM docker.io/library/debian:stable-slim
ARG VERSION=latest
LABEL org.opencontainers.image.title="svctree" org.opencontainers.image.version="${VERSION}"
COPY --from=build /out/svctreed /usr/local/bin/svctreed
EXPOSE 8080
ENTRYPOINT ["/usr/local/bin/svctreed"]
`

const sourceContainerfile = `FROM docker.io/library/golang:1.24 AS build
ARG VERSION=dev
WORKDIR /src
COPY repo /src
RUN CGO_ENABLED=0 go build -ldflags "-X main.version=${VERSION}" -o /out/svctreed ./cmd/svctreed

FROM docker.io/library/debian:stable-slim
COPY --from=build /out/svctreed /usr/local/bin/svctreed
EXPOSE 8080
ENTRYPOINT ["/usr/local/bin/svctreed"]
`
