package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/tools"
)

var (
	ErrInvalidSource    = errors.New("platform: invalid source")
	ErrSandboxViolation = errors.New("platform: sandbox violation")
)

// SourceSpec says where the server source comes from: a git repository
// (optionally pinned to a branch or ref) or a local directory copy.
type SourceSpec struct {
	Repo   string
	Branch string
	Ref    string
	Path   string
	// Runner runs git; it is always local, unlike the podman runner.
	Runner tools.CommandRunner
}

func (s SourceSpec) Empty() bool {
	return strings.TrimSpace(s.Repo) == "" && strings.TrimSpace(s.Path) == ""
}

// fetchSource brings dest up to date with spec. dest must lie inside root.
func fetchSource(ctx context.Context, spec SourceSpec, root, dest string) error {
	if !isWithin(dest, root) {
		return fmt.Errorf("%w: %q outside %q", ErrSandboxViolation, dest, root)
	}
	if spec.Runner == nil {
		spec.Runner = tools.ExecRunner{}
	}
	switch {
	case strings.TrimSpace(spec.Repo) != "":
		return fetchGit(ctx, spec, dest)
	case strings.TrimSpace(spec.Path) != "":
		src, err := filepath.Abs(spec.Path)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		return copyDir(src, dest)
	default:
		return fmt.Errorf("%w: neither repo nor path set", ErrInvalidSource)
	}
}

func fetchGit(ctx context.Context, spec SourceSpec, dest string) error {
	repo := strings.TrimSpace(spec.Repo)
	if err := validateRepo(repo); err != nil {
		return err
	}
	branch := strings.TrimSpace(spec.Branch)
	ref := strings.TrimSpace(spec.Ref)
	git := func(args ...string) error { return runGit(ctx, spec.Runner, args...) }

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dest); errors.Is(err, fs.ErrNotExist) {
		args := []string{"clone"}
		if branch != "" {
			args = append(args, "--branch", branch, "--single-branch")
		}
		if err := git(append(args, repo, dest)...); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
			return fmt.Errorf("%w: %s exists but is not a git repository", ErrInvalidSource, dest)
		}
		if err := git("-C", dest, "fetch", "--all", "--prune"); err != nil {
			return err
		}
		switch {
		case branch != "":
			if err := git("-C", dest, "checkout", branch); err != nil {
				return err
			}
			if err := git("-C", dest, "pull", "--ff-only", "origin", branch); err != nil {
				return err
			}
		case ref == "":
			if err := git("-C", dest, "pull", "--ff-only"); err != nil {
				return err
			}
		}
	}
	if ref != "" {
		if err := git("-C", dest, "fetch", "origin", ref); err != nil {
			return err
		}
		return git("-C", dest, "-c", "advice.detachedHead=false", "checkout", "FETCH_HEAD")
	}
	return nil
}

func runGit(ctx context.Context, runner tools.CommandRunner, args ...string) error {
	logs.Infof("platform.source exec cmd=git args=%q", strings.Join(args, " "))
	res, err := runner.Run(ctx, "git", args...)
	if err == nil {
		return nil
	}
	return fmt.Errorf("git %s failed exit=%d output=%q: %w",
		strings.Join(args, " "), res.ExitCode, res.Output(), err)
}

func validateRepo(repo string) error {
	u, err := url.Parse(repo)
	if err != nil {
		return fmt.Errorf("%w: repo=%q: %v", ErrInvalidSource, repo, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: repo=%q must be an https url", ErrInvalidSource, repo)
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("%w: repo=%q missing repository path", ErrInvalidSource, repo)
	}
	return nil
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

// copyDir mirrors src into dst, skipping .git and refusing symlinks.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %s", ErrSandboxViolation, path)
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
