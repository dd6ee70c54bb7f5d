package compress

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
	"github.com/z46-dev/go-logger"
)

var log *logger.Logger = logger.NewLogger().SetPrefix("[PACK]", logger.BoldGreen)

// ErrCompression wraps any failure while producing the filesystem image.
// Packaging failures are fatal to a run; they point at disk exhaustion or
// corrupt input, never at something a retry would fix.
var ErrCompression = errors.New("filesystem packaging failed")

// Pack produces one compressed filesystem image at outPath from the
// workspace tree, using the given plan. Entry order, names and recorded
// permissions are deterministic for a given (tree, plan) pair; the
// compressed bytes may still vary across compressor versions.
func Pack(ctx context.Context, treeDir string, plan Plan, outPath string) (err error) {
	var entries []string
	if entries, err = collectEntries(treeDir); err != nil {
		return fmt.Errorf("%w: %v", ErrCompression, err)
	}

	var out *os.File
	if out, err = os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrCompression, err)
	}

	if err = writeArchive(ctx, out, treeDir, entries, plan); err != nil {
		out.Close()
		_ = os.Remove(outPath) // never leave a partial artifact behind
		return fmt.Errorf("%w: %v", ErrCompression, err)
	}

	if err = out.Close(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: %v", ErrCompression, err)
	}

	log.Basicf("packaged %s with %s\n", filepath.Base(outPath), plan)
	return
}

// collectEntries walks the tree once and returns relative paths in a stable
// sorted order, which is what keeps the archive layout deterministic.
func collectEntries(treeDir string) (entries []string, err error) {
	err = filepath.WalkDir(treeDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if p == treeDir {
			return nil
		}

		rel, e := filepath.Rel(treeDir, p)
		if e != nil {
			return e
		}

		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})

	if err != nil {
		return
	}

	sort.Strings(entries)
	return
}

func writeArchive(ctx context.Context, out io.Writer, treeDir string, entries []string, plan Plan) (err error) {
	var compressor io.WriteCloser
	if compressor, err = newCompressor(out, plan); err != nil {
		return
	}

	var tw *tar.Writer = tar.NewWriter(compressor)

	for _, rel := range entries {
		if err = ctx.Err(); err != nil {
			break
		}

		if err = writeTarEntry(tw, treeDir, rel); err != nil {
			break
		}
	}

	if err != nil {
		tw.Close()
		compressor.Close()
		return
	}

	if err = tw.Close(); err != nil {
		compressor.Close()
		return
	}

	return compressor.Close()
}

func writeTarEntry(tw *tar.Writer, treeDir, rel string) (err error) {
	var full string = filepath.Join(treeDir, filepath.FromSlash(rel))

	var info fs.FileInfo
	if info, err = os.Lstat(full); err != nil {
		return
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(full); err != nil {
			return
		}
	}

	var hdr *tar.Header
	if hdr, err = tar.FileInfoHeader(info, link); err != nil {
		return
	}

	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}

	// Stable header fields: whole-second mtimes, no atime/ctime, no
	// user/group names. Identical trees must archive identically.
	hdr.Format = tar.FormatPAX
	hdr.ModTime = info.ModTime().Truncate(time.Second)
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.Uname = ""
	hdr.Gname = ""

	if err = tw.WriteHeader(hdr); err != nil {
		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	var file *os.File
	if file, err = os.Open(full); err != nil {
		return
	}

	defer file.Close()

	_, err = io.Copy(tw, file)
	return
}

func newCompressor(out io.Writer, plan Plan) (wc io.WriteCloser, err error) {
	switch plan.Algorithm {
	case AlgoXZ:
		var cfg xz.WriterConfig = xz.WriterConfig{
			DictCap: xzDictCap(plan.Level),
		}

		if plan.BlockSize > 0 {
			cfg.BlockSize = plan.BlockSize
		}

		if plan.HasFilter(FilterBinaryTreeMatch) {
			cfg.Matcher = lzma.BinaryTree
		}

		return cfg.NewWriter(out)

	case AlgoZstd:
		var opts []zstd.EOption = []zstd.EOption{
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(plan.Level)),
		}

		if plan.HasFilter(FilterLongWindow) && plan.BlockSize > 0 {
			opts = append(opts, zstd.WithWindowSize(int(plan.BlockSize)))
		}

		return zstd.NewWriter(out, opts...)

	case AlgoGzip:
		var level int = plan.Level
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}

		return gzip.NewWriterLevel(out, level)

	default:
		err = fmt.Errorf("unknown compression algorithm %q", plan.Algorithm)
		return
	}
}

// xzDictCap maps an xz preset level onto the dictionary sizes the reference
// encoder uses for the same presets.
func xzDictCap(level int) int {
	switch {
	case level <= 1:
		return 1 * mib
	case level == 2:
		return 2 * mib
	case level <= 4:
		return 4 * mib
	case level <= 6:
		return 8 * mib
	case level == 7:
		return 16 * mib
	case level == 8:
		return 32 * mib
	default:
		return 64 * mib
	}
}
