package platform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/testutil/testlog"
	"github.com/danmuck/svctree/internal/tools"
)

// gitStub fakes clone by creating the destination with one file.
func gitStub(calls *[]string) tools.CommandRunner {
	return tools.RunnerFunc(func(_ context.Context, name string, args ...string) (tools.Result, error) {
		*calls = append(*calls, name+" "+strings.Join(args, " "))
		if len(args) > 0 && args[0] == "clone" {
			dest := args[len(args)-1]
			if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
				return tools.Result{ExitCode: 1}, err
			}
			if err := os.WriteFile(filepath.Join(dest, "go.mod"), []byte("module x\n"), 0o644); err != nil {
				return tools.Result{ExitCode: 1}, err
			}
		}
		return tools.Result{}, nil
	})
}

func TestFetchGitClonesThenUpdates(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	dest := filepath.Join(root, "svctree")
	var calls []string
	spec := SourceSpec{Repo: "https://example.com/svctree.git", Branch: "main", Runner: gitStub(&calls)}

	require.NoError(t, fetchSource(context.Background(), spec, root, dest))
	require.Equal(t, []string{"git clone --branch main --single-branch https://example.com/svctree.git " + dest}, calls)

	calls = nil
	spec.Ref = "v1.0.0"
	require.NoError(t, fetchSource(context.Background(), spec, root, dest))
	assert.Equal(t, []string{
		"git -C " + dest + " fetch --all --prune",
		"git -C " + dest + " checkout main",
		"git -C " + dest + " pull --ff-only origin main",
		"git -C " + dest + " fetch origin v1.0.0",
		"git -C " + dest + " -c advice.detachedHead=false checkout FETCH_HEAD",
	}, calls)
}

func TestFetchSourceRejects(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	ctx := context.Background()
	var calls []string
	runner := gitStub(&calls)

	err := fetchSource(ctx, SourceSpec{Repo: "http://example.com/x.git", Runner: runner}, root, filepath.Join(root, "x"))
	require.ErrorIs(t, err, ErrInvalidSource)

	err = fetchSource(ctx, SourceSpec{Repo: "https://example.com/", Runner: runner}, root, filepath.Join(root, "x"))
	require.ErrorIs(t, err, ErrInvalidSource)

	err = fetchSource(ctx, SourceSpec{Repo: "https://example.com/x.git", Runner: runner}, root, filepath.Join(root, "..", "escape"))
	require.ErrorIs(t, err, ErrSandboxViolation)

	plain := filepath.Join(root, "plain")
	require.NoError(t, os.MkdirAll(plain, 0o755))
	err = fetchSource(ctx, SourceSpec{Repo: "https://example.com/x.git", Runner: runner}, root, plain)
	require.ErrorIs(t, err, ErrInvalidSource)

	err = fetchSource(ctx, SourceSpec{Runner: runner}, root, filepath.Join(root, "x"))
	require.ErrorIs(t, err, ErrInvalidSource)
	assert.Empty(t, calls)
}

func TestCopyDirSkipsGitAndRejectsSymlinks(t *testing.T) {
	testlog.Start(t)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "cmd"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "cmd", "main.go"), []byte("package main\n"), 0o644))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, copyDir(src, dst))
	assert.FileExists(t, filepath.Join(dst, "cmd", "main.go"))
	assert.NoDirExists(t, filepath.Join(dst, ".git"))

	require.NoError(t, os.Symlink(filepath.Join(src, "cmd"), filepath.Join(src, "link")))
	require.ErrorIs(t, copyDir(src, filepath.Join(t.TempDir(), "again")), ErrSandboxViolation)
}

func TestPodmanDeployFromSource(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "go.mod"), []byte("module svctree\n"), 0o644))

	spec := f.deps.Podman
	spec.Source = SourceSpec{Path: src}
	p, err := NewPodman(spec, f.runner, services.WithParent(f.root))
	require.NoError(t, err)

	_, err = services.Call(context.Background(), p, "deploy", nil)
	require.NoError(t, err)

	base := filepath.Join(f.storage.Layout().Install(), "base")
	assert.FileExists(t, filepath.Join(base, "repo", "go.mod"))
	assert.FileExists(t, filepath.Join(f.storage.Layout().Repos(), "svctree", "go.mod"))
	data, err := os.ReadFile(filepath.Join(base, "Containerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "COPY repo /src")
}

func TestUninstallRemovesInstallAndCache(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	n, err := NewNative(f.deps.Daemon, services.WithParent(f.root))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = services.Call(ctx, n, "deploy", nil)
	require.NoError(t, err)
	l := f.storage.Layout()

	out, err := services.Call(ctx, n, "uninstall", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{l.Install(), l.Cache}, out)
	assert.NoDirExists(t, l.Install())
	assert.DirExists(t, l.Config)
	assert.FileExists(t, f.storage.UserKeyPath())

	_, err = services.Call(ctx, n, "uninstall", services.Args{"purge": "true"})
	require.NoError(t, err)
	assert.NoDirExists(t, l.Config)
	assert.NoFileExists(t, f.storage.UserKeyPath())
	assert.Equal(t, StatusNotDeployed, n.Status())
}
