package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/z46-dev/go-logger"
	"golang.org/x/sync/errgroup"

	"github.com/isoforge/isoforge/compress"
	"github.com/isoforge/isoforge/convert"
	"github.com/isoforge/isoforge/distro"
	"github.com/isoforge/isoforge/iso"
	"github.com/isoforge/isoforge/netboot"
	"github.com/isoforge/isoforge/secureboot"
)

var log *logger.Logger = logger.NewLogger().SetPrefix("[PIPE]", logger.BoldWhite)

// State of one conversion run. Transitions are strictly forward; Failed is
// reachable from any non-terminal state on a fatal error.
type State string

const (
	StateIdle        State = "idle"
	StateClassifying State = "classifying"
	StateExtracting  State = "extracting"
	StatePackaging   State = "packaging"
	StateConverting  State = "converting"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Options is the explicit, caller-supplied configuration of one run. There
// is no process-wide mutable state behind the pipeline.
type Options struct {
	Tier     compress.Tier
	Analysis bool

	// Platform selects the hypervisor disk format; empty skips the
	// virtualization stage entirely.
	Platform convert.Platform

	EnableNetworkBoot bool
	NetbootBaseURL    string

	EnableSecureBoot bool
	OverwriteSigning bool

	MountTimeout   time.Duration
	ConvertTimeout time.Duration

	// WorkspaceParent hosts the per-run scratch directory; empty means the
	// system temp directory.
	WorkspaceParent string

	ManifestName string
}

func (o *Options) applyDefaults() {
	if o.Tier == "" {
		o.Tier = compress.TierStandard
	}

	if o.MountTimeout <= 0 {
		o.MountTimeout = 4 * time.Second
	}

	if o.ConvertTimeout <= 0 {
		o.ConvertTimeout = 10 * time.Minute
	}

	if o.ManifestName == "" {
		o.ManifestName = "manifest.json"
	}
}

type run struct {
	state State
}

func (r *run) transition(next State) {
	log.Basicf("state %s -> %s\n", r.state, next)
	r.state = next
}

// Convert is the pipeline entry operation: it classifies the source image,
// extracts it into a fresh workspace, packages the tree with the selected
// compression plan, fans out the independent conversion stages, and returns
// the manifest of everything produced. The workspace is torn down on every
// exit path, including cancellation.
func Convert(ctx context.Context, sourcePath, outputDir string, opts Options) (man *Manifest, err error) {
	opts.applyDefaults()

	var r *run = &run{state: StateIdle}
	defer func() {
		if err != nil {
			r.transition(StateFailed)
		}
	}()

	if err = checkInputs(sourcePath, outputDir); err != nil {
		return
	}

	// Classifying
	r.transition(StateClassifying)

	var img *iso.Image
	if img, err = iso.Open(sourcePath); err != nil {
		err = stageError("classify", KindBadInput, err)
		return
	}

	var id distro.Identity
	if id, err = distro.Classify(img); err != nil {
		err = stageError("classify", KindClassification, err)
		return
	}

	log.Statusf("classified %s (%s) as %s\n", filepath.Base(sourcePath), humanize.Bytes(uint64(img.Size)), id)

	var ws *Workspace
	if ws, err = NewWorkspace(opts.WorkspaceParent); err != nil {
		err = stageError("workspace", KindStage, err)
		return
	}

	// Guaranteed teardown: success, failure and cancellation all pass here.
	defer func() {
		if dErr := ws.Destroy(); dErr != nil {
			log.Errorf("workspace teardown: %v\n", dErr)
		}
	}()

	// Extracting
	r.transition(StateExtracting)

	if err = iso.Extract(ctx, img, ws.TreeDir(), opts.MountTimeout); err != nil {
		err = stageError("extract", KindStage, err)
		return
	}

	if customizer, ok := distro.CustomizerFor(id); ok {
		if err = customizer.Customize(ctx, ws.TreeDir()); err != nil {
			err = stageError("customize", KindStage, err)
			return
		}
	}

	// Packaging
	r.transition(StatePackaging)

	var plan compress.Plan = compress.Select(opts.Tier, id)
	if opts.Analysis {
		plan = compress.AnalyzeTree(ws.TreeDir(), plan)
		log.Basicf("analysis refined plan to %s\n", plan)
	}

	var fsImagePath string = filepath.Join(outputDir, artifactBase(sourcePath)+plan.Extension())
	if err = compress.Pack(ctx, ws.TreeDir(), plan, fsImagePath); err != nil {
		err = stageError("package", KindStage, err)
		return
	}

	man = &Manifest{Source: sourcePath, Distro: id.String()}
	if err = man.record(ArtifactFilesystemImage, fsImagePath); err != nil {
		man = nil
		err = stageError("package", KindStage, err)
		return
	}

	// Converting: the three remaining stages have no data dependency on
	// each other and share only the output directory (disjoint file names),
	// so they run concurrently.
	r.transition(StateConverting)

	var (
		diskPath          string
		diskErr           error
		netPaths          []string
		netErr            error
		keyPath, certPath string
		signErr           error
	)

	group, groupCtx := errgroup.WithContext(ctx)

	if opts.Platform != "" {
		group.Go(func() error {
			diskPath, diskErr = convert.Disk(groupCtx, fsImagePath, opts.Platform, outputDir, opts.ConvertTimeout)
			return nil
		})
	}

	if opts.EnableNetworkBoot {
		group.Go(func() error {
			netPaths, netErr = netboot.Emit(id, outputDir, opts.NetbootBaseURL)
			return nil
		})
	}

	if opts.EnableSecureBoot {
		group.Go(func() error {
			keyPath, certPath, signErr = secureboot.Generate(outputDir, opts.OverwriteSigning)
			return nil
		})
	}

	_ = group.Wait() // stage outcomes are captured above, never returned

	if err = ctx.Err(); err != nil {
		man = nil
		err = stageError("convert", KindStage, err)
		return
	}

	// Fold fan-out outcomes into the manifest in a fixed order. Failures
	// here are advisory: they become warnings, never a failed run.
	foldVirtualization(man, opts.Platform, diskPath, diskErr)
	foldNetboot(man, opts.EnableNetworkBoot, netPaths, netErr)
	foldSecureBoot(man, opts.EnableSecureBoot, keyPath, certPath, signErr)

	// Finalizing
	r.transition(StateFinalizing)

	if err = man.WriteJSON(filepath.Join(outputDir, opts.ManifestName)); err != nil {
		man = nil
		err = stageError("finalize", KindStage, err)
		return
	}

	r.transition(StateDone)
	log.Statusf("produced %d artifacts, %d warnings\n", len(man.Artifacts), len(man.Warnings))
	return
}

// checkInputs is the FatalInput gate: nothing runs past it on failure and
// nothing has been written yet when it fails.
func checkInputs(sourcePath, outputDir string) (err error) {
	var stat os.FileInfo
	if stat, err = os.Stat(sourcePath); err != nil {
		return stageError("input", KindBadInput, fmt.Errorf("source image: %w", err))
	}

	if stat.IsDir() {
		return stageError("input", KindBadInput, fmt.Errorf("source image %q is a directory", sourcePath))
	}

	if err = os.MkdirAll(outputDir, 0o755); err != nil {
		return stageError("input", KindBadInput, fmt.Errorf("output directory: %w", err))
	}

	// Probe writability up front; a read-only output mount should fail the
	// run before any stage burns time.
	var probe *os.File
	if probe, err = os.CreateTemp(outputDir, ".isoforge-probe-*"); err != nil {
		return stageError("input", KindBadInput, fmt.Errorf("output directory not writable: %w", err))
	}

	probe.Close()
	_ = os.Remove(probe.Name())
	return nil
}

func foldVirtualization(man *Manifest, platform convert.Platform, diskPath string, diskErr error) {
	switch {
	case platform == "":
		log.Basicf("virtualization stage skipped\n")

	case diskErr != nil:
		// Covers both unsupported platforms and qemu-img failures.
		log.Warningf("virtualization: %v\n", diskErr)
		man.warn("virtualization", diskErr.Error())

	default:
		if recErr := man.record(ArtifactDiskImage, diskPath); recErr != nil {
			log.Warningf("virtualization: %v\n", recErr)
			man.warn("virtualization", recErr.Error())
		}
	}
}

func foldNetboot(man *Manifest, enabled bool, netPaths []string, netErr error) {
	if !enabled {
		log.Basicf("network boot stage skipped\n")
		return
	}

	if netErr != nil {
		log.Warningf("network boot: %v\n", netErr)
		man.warn("network-boot", netErr.Error())
		return
	}

	for _, p := range netPaths {
		if recErr := man.record(ArtifactNetbootConfig, p); recErr != nil {
			log.Warningf("network boot: %v\n", recErr)
			man.warn("network-boot", recErr.Error())
			return
		}
	}
}

func foldSecureBoot(man *Manifest, enabled bool, keyPath, certPath string, signErr error) {
	if !enabled {
		log.Basicf("secure boot stage skipped\n")
		return
	}

	if signErr != nil {
		// Loud but non-fatal: the other fan-out artifacts stand.
		log.Errorf("secure boot: %v\n", signErr)
		man.warn("secure-boot", signErr.Error())
		return
	}

	if recErr := man.record(ArtifactSigningKey, keyPath); recErr != nil {
		man.warn("secure-boot", recErr.Error())
		return
	}

	if recErr := man.record(ArtifactSigningCert, certPath); recErr != nil {
		man.warn("secure-boot", recErr.Error())
	}
}

// artifactBase derives the output file stem from the source image name.
func artifactBase(sourcePath string) string {
	var name string = filepath.Base(sourcePath)
	if ext := filepath.Ext(name); strings.EqualFold(ext, ".iso") {
		name = strings.TrimSuffix(name, ext)
	}

	return name
}
