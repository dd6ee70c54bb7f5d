package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/z46-dev/go-logger"
)

var log *logger.Logger = logger.NewLogger().SetPrefix("[CONV]", logger.BoldYellow)

// Platform is the target hypervisor. The set is open: unknown values are an
// advisory condition for the pipeline, not a conversion failure.
type Platform string

const (
	PlatformVMware Platform = "vmware"
	PlatformHyperV Platform = "hyperv"
	PlatformKVM    Platform = "kvm"
)

var (
	// ErrUnsupportedPlatform marks a platform nobody registered a disk
	// format for. Callers record a warning and move on; an unsupported
	// platform is not a failed conversion.
	ErrUnsupportedPlatform = errors.New("unsupported virtualization platform")

	// ErrConversion wraps qemu-img failures (missing binary, bad input,
	// disk exhaustion).
	ErrConversion = errors.New("disk conversion failed")
)

type diskFormat struct {
	format    string
	extension string
	options   []string
}

var diskFormats = map[Platform]diskFormat{
	PlatformVMware: {format: "vmdk", extension: ".vmdk", options: []string{"-o", "subformat=streamOptimized"}},
	PlatformHyperV: {format: "vhdx", extension: ".vhdx"},
	PlatformKVM:    {format: "qcow2", extension: ".qcow2"},
}

// Supported reports whether a disk format is registered for the platform.
func Supported(platform Platform) bool {
	_, ok := diskFormats[platform]
	return ok
}

// Disk converts the packaged filesystem image at srcPath into the platform's
// disk format inside outDir, returning the produced path. The qemu-img
// invocation runs under the caller-supplied timeout; it never blocks
// indefinitely.
func Disk(ctx context.Context, srcPath string, platform Platform, outDir string, timeout time.Duration) (outPath string, err error) {
	var format diskFormat
	var ok bool
	if format, ok = diskFormats[platform]; !ok {
		err = fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
		return
	}

	if _, err = exec.LookPath("qemu-img"); err != nil {
		err = fmt.Errorf("%w: qemu-img not found: %v", ErrConversion, err)
		return
	}

	outPath = filepath.Join(outDir, baseName(srcPath)+format.extension)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var args []string = []string{"convert", "-O", format.format}
	args = append(args, format.options...)
	args = append(args, srcPath, outPath)

	if output, e := exec.CommandContext(runCtx, "qemu-img", args...).CombinedOutput(); e != nil {
		_ = os.Remove(outPath) // qemu-img may have left a partial target
		err = fmt.Errorf("%w: qemu-img convert -O %s: %v: %s", ErrConversion, format.format, e, strings.TrimSpace(string(output)))
		outPath = ""
		return
	}

	log.Basicf("converted %s to %s\n", filepath.Base(srcPath), format.format)
	return
}

// baseName strips every extension layer, so image.tar.xz becomes image.
func baseName(p string) string {
	var name string = filepath.Base(p)
	for {
		var ext string = filepath.Ext(name)
		if ext == "" {
			return name
		}

		name = strings.TrimSuffix(name, ext)
	}
}
