package iso

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"
	"github.com/z46-dev/go-logger"
)

var log *logger.Logger = logger.NewLogger().SetPrefix("[ISO]", logger.BoldCyan)

var (
	// ErrMount wraps failures to attach the source image read-only.
	ErrMount = errors.New("cannot attach source image")

	// ErrCopy wraps failures to materialize the attached tree into the workspace.
	ErrCopy = errors.New("cannot copy image contents")
)

// Extract materializes the full content tree of img into workspaceDir,
// preserving permissions, timestamps and symlinks. It prefers a kernel loop
// mount (fuseiso when unprivileged) and falls back to reading the ISO9660
// structures directly. The read-only attachment is always released before
// Extract returns, whatever the copy outcome.
func Extract(ctx context.Context, img *Image, workspaceDir string, mountTimeout time.Duration) (err error) {
	if err = os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrCopy, workspaceDir, err)
	}

	if mnt, detach := tryMount(ctx, img.Path, mountTimeout); mnt != "" {
		defer detach()

		log.Basicf("attached %s at %s\n", filepath.Base(img.Path), mnt)
		return copyTree(ctx, mnt, workspaceDir)
	}

	log.Basicf("mount unavailable for %s, reading iso9660 directly\n", filepath.Base(img.Path))
	return extractViaImage(ctx, img, workspaceDir)
}

// tryMount attaches isoPath read-only at a private mount point. The returned
// detach func unmounts and removes the mount point; it is a no-op func (and
// mountPoint is "") when no attachment strategy worked.
func tryMount(ctx context.Context, isoPath string, timeout time.Duration) (mountPoint string, detach func()) {
	// Private per-attempt mount point so parallel runs don't collide
	var tmp string = filepath.Join(os.TempDir(), "isoforge-mnt-"+uuid.NewString()[:8])
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", func() {}
	}

	mountCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Kernel loop mount first (needs CAP_SYS_ADMIN/root)
	if err := exec.CommandContext(mountCtx, "mount", "-o", "loop,ro", "-t", "auto", isoPath, tmp).Run(); err == nil {
		return tmp, func() {
			_ = exec.Command("umount", "-f", tmp).Run()
			_ = os.RemoveAll(tmp)
		}
	}

	// fuseiso fallback if present (user-space, no root)
	if _, err := exec.LookPath("fuseiso"); err == nil {
		fuseCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := exec.CommandContext(fuseCtx, "fuseiso", "-p", isoPath, tmp).Run(); err == nil {
			return tmp, func() {
				_ = exec.Command("fusermount", "-u", tmp).Run()
				_ = os.RemoveAll(tmp)
			}
		}

		_ = exec.Command("fusermount", "-u", tmp).Run()
	}

	_ = os.RemoveAll(tmp)
	return "", func() {}
}

// copyTree replicates the mounted tree under dstRoot, checking for
// cancellation between entries.
func copyTree(ctx context.Context, srcRoot, dstRoot string) (err error) {
	err = filepath.WalkDir(srcRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if e := ctx.Err(); e != nil {
			return e
		}

		var rel string
		var e error
		if rel, e = filepath.Rel(srcRoot, p); e != nil {
			return e
		}

		var dst string = filepath.Join(dstRoot, rel)
		var info fs.FileInfo
		if info, e = d.Info(); e != nil {
			return e
		}

		switch {
		case d.IsDir():
			if e = os.MkdirAll(dst, info.Mode().Perm()); e != nil {
				return e
			}

		case info.Mode()&fs.ModeSymlink != 0:
			var target string
			if target, e = os.Readlink(p); e != nil {
				return e
			}

			if e = os.Symlink(target, dst); e != nil {
				return e
			}

			// No Chtimes on the link itself; symlink mtimes are not portable.
			return nil

		default:
			if e = copyFileContents(p, dst, info.Mode().Perm()); e != nil {
				return e
			}
		}

		return os.Chtimes(dst, info.ModTime(), info.ModTime())
	})

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrCopy, err)
	}

	return
}

// extractViaImage walks the ISO9660 structures directly, for runs without
// mount privileges. ISO9660 has no symlinks to preserve on this path.
func extractViaImage(ctx context.Context, img *Image, dstRoot string) (err error) {
	var (
		file *os.File
		raw  *iso9660.Image
	)

	if file, err = os.Open(img.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrMount, err)
	}

	defer file.Close()

	if raw, err = iso9660.OpenImage(file); err != nil {
		return fmt.Errorf("%w: %v", ErrMount, err)
	}

	var root *iso9660.File
	if root, err = raw.RootDir(); err != nil {
		return fmt.Errorf("%w: %v", ErrMount, err)
	}

	if err = writeEntry(ctx, root, dstRoot); err != nil {
		err = fmt.Errorf("%w: %v", ErrCopy, err)
	}

	return
}

func writeEntry(ctx context.Context, entry *iso9660.File, dst string) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}

	if entry.IsDir() {
		// Keep owner rwx on top of the recorded bits so children can still
		// be written below while extraction continues.
		var perm fs.FileMode = entry.Mode().Perm() | 0o700
		if err = os.MkdirAll(dst, perm); err != nil {
			return
		}

		if err = os.Chmod(dst, perm); err != nil {
			return
		}

		var children []*iso9660.File
		if children, err = entry.GetChildren(); err != nil {
			return
		}

		for _, child := range children {
			var name string = child.Name()
			if name == "." || name == ".." {
				continue
			}

			if err = writeEntry(ctx, child, filepath.Join(dst, strings.ToLower(name))); err != nil {
				return
			}
		}

		return
	}

	var out *os.File
	if out, err = os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entry.Mode().Perm()); err != nil {
		return
	}

	if _, err = io.Copy(out, entry.Reader()); err != nil {
		out.Close()
		return
	}

	if err = out.Close(); err != nil {
		return
	}

	// Chmod after close: OpenFile's create mode is filtered by the umask.
	if err = os.Chmod(dst, entry.Mode().Perm()); err != nil {
		return
	}

	return os.Chtimes(dst, entry.ModTime(), entry.ModTime())
}

func copyFileContents(src, dst string, perm fs.FileMode) (err error) {
	var (
		in  *os.File
		out *os.File
	)

	if in, err = os.Open(src); err != nil {
		return
	}

	defer in.Close()

	if out, err = os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm); err != nil {
		return
	}

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return
	}

	return out.Close()
}

