package pipeline

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kdomanski/iso9660"
	"github.com/klauspost/compress/zstd"

	"github.com/isoforge/isoforge/compress"
	"github.com/isoforge/isoforge/convert"
	"github.com/isoforge/isoforge/distro"
)

func writeTestISO(t *testing.T, label string, files map[string]string) string {
	t.Helper()

	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("Expected no error creating the image writer, got: %v", err)
	}
	defer writer.Cleanup()

	for name, content := range files {
		if err = writer.AddFile(strings.NewReader(content), name); err != nil {
			t.Fatalf("Expected no error adding %s, got: %v", name, err)
		}
	}

	var isoPath string = filepath.Join(t.TempDir(), label+".iso")

	out, err := os.Create(isoPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer out.Close()

	if err = writer.WriteTo(out, label); err != nil {
		t.Fatalf("Expected no error writing the image, got: %v", err)
	}

	return isoPath
}

func archTestISO(t *testing.T) string {
	t.Helper()

	return writeTestISO(t, "ARCHTEST", map[string]string{
		"isolinux/isolinux.cfg":                "default install\nappend archisobasedir=arch quiet\n",
		"arch/boot/x86_64/vmlinuz-linux":       "kernel bytes",
		"arch/boot/x86_64/initramfs-linux.img": "initramfs bytes",
	})
}

func listFiles(t *testing.T, dir string) (names []string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Expected no error listing %s, got: %v", dir, err)
	}

	for _, e := range entries {
		names = append(names, e.Name())
	}

	return
}

func TestConvertEndToEnd(t *testing.T) {
	var (
		sourcePath      = archTestISO(t)
		outDir          = t.TempDir()
		workspaceParent = t.TempDir()
	)

	var opts Options = Options{
		Tier:              compress.TierMaximum,
		Platform:          convert.PlatformVMware,
		EnableNetworkBoot: true,
		NetbootBaseURL:    "http://boot.example.lab:8069",
		EnableSecureBoot:  true,
		MountTimeout:      time.Second,
		ConvertTimeout:    time.Minute,
		WorkspaceParent:   workspaceParent,
	}

	man, err := Convert(context.Background(), sourcePath, outDir, opts)
	if err != nil {
		t.Fatalf("Expected no error from Convert, got: %v", err)
	}

	t.Run("Filesystem Image", func(t *testing.T) {
		images := man.ByKind(ArtifactFilesystemImage)
		if len(images) != 1 {
			t.Fatalf("Expected exactly one filesystem image, got: %d", len(images))
		}

		if !strings.HasSuffix(images[0].Path, ".tar.xz") {
			t.Fatalf("Expected an xz artifact at the maximum tier, got: %s", images[0].Path)
		}

		info, sErr := os.Stat(images[0].Path)
		if sErr != nil {
			t.Fatalf("Expected the artifact on disk, got: %v", sErr)
		}

		if info.Size() != images[0].Size {
			t.Fatalf("Expected the recorded size %d to match disk size %d", images[0].Size, info.Size())
		}

		if len(images[0].SHA256) != 64 {
			t.Fatalf("Expected a hex sha256 digest, got: %q", images[0].SHA256)
		}
	})

	t.Run("Virtualization Outcome", func(t *testing.T) {
		// qemu-img may or may not exist on the test host. Either a disk
		// image was recorded or the stage degraded to a warning.
		disks := man.ByKind(ArtifactDiskImage)

		var warned bool
		for _, w := range man.Warnings {
			if w.Stage == "virtualization" {
				warned = true
			}
		}

		if len(disks) == 0 && !warned {
			t.Fatal("Expected a disk image or a virtualization warning, got neither")
		}

		if len(disks) == 1 && !strings.HasSuffix(disks[0].Path, ".vmdk") {
			t.Fatalf("Expected a vmdk for the vmware platform, got: %s", disks[0].Path)
		}
	})

	t.Run("Network Boot Documents", func(t *testing.T) {
		docs := man.ByKind(ArtifactNetbootConfig)
		if len(docs) != 3 {
			t.Fatalf("Expected 3 boot documents, got: %d", len(docs))
		}

		for _, d := range docs {
			if _, sErr := os.Stat(d.Path); sErr != nil {
				t.Fatalf("Expected %s on disk, got: %v", d.Path, sErr)
			}
		}
	})

	t.Run("Signing Material", func(t *testing.T) {
		if len(man.ByKind(ArtifactSigningKey)) != 1 || len(man.ByKind(ArtifactSigningCert)) != 1 {
			t.Fatal("Expected one signing key and one certificate in the manifest")
		}
	})

	t.Run("Manifest File", func(t *testing.T) {
		data, rErr := os.ReadFile(filepath.Join(outDir, "manifest.json"))
		if rErr != nil {
			t.Fatalf("Expected manifest.json in the output directory, got: %v", rErr)
		}

		var reread Manifest
		if uErr := json.Unmarshal(data, &reread); uErr != nil {
			t.Fatalf("Expected a parseable manifest, got: %v", uErr)
		}

		if reread.Distro != "arch" {
			t.Fatalf("Expected the arch identity in the manifest, got: %q", reread.Distro)
		}

		if len(reread.Artifacts) != len(man.Artifacts) {
			t.Fatalf("Expected %d artifacts in the written manifest, got: %d", len(man.Artifacts), len(reread.Artifacts))
		}
	})

	t.Run("Workspace Removed", func(t *testing.T) {
		if leftover := listFiles(t, workspaceParent); len(leftover) != 0 {
			t.Fatalf("Expected the workspace torn down, found: %v", leftover)
		}
	})
}

func TestConvertUnrecognizedImage(t *testing.T) {
	var sourcePath string = writeTestISO(t, "MYSTERY", map[string]string{
		"kernel.sys":  "freedos kernel",
		"command.com": "shell",
	})

	var (
		outDir          = t.TempDir()
		workspaceParent = t.TempDir()
	)

	man, err := Convert(context.Background(), sourcePath, outDir, Options{
		Tier:            compress.TierFast,
		WorkspaceParent: workspaceParent,
	})

	if err == nil {
		t.Fatal("Expected a classification error, but got nil")
	}

	if man != nil {
		t.Fatal("Expected no manifest on a failed run")
	}

	if code := ExitCode(err); code != ExitClassification {
		t.Fatalf("Expected exit code %d, got: %d", ExitClassification, code)
	}

	if leftover := listFiles(t, outDir); len(leftover) != 0 {
		t.Fatalf("Expected no output artifacts on a classification failure, found: %v", leftover)
	}

	if leftover := listFiles(t, workspaceParent); len(leftover) != 0 {
		t.Fatalf("Expected no workspace leftovers, found: %v", leftover)
	}
}

func TestConvertUnsupportedPlatformIsAdvisory(t *testing.T) {
	var (
		sourcePath = archTestISO(t)
		outDir     = t.TempDir()
	)

	man, err := Convert(context.Background(), sourcePath, outDir, Options{
		Tier:            compress.TierFast,
		Platform:        convert.Platform("xen"),
		WorkspaceParent: t.TempDir(),
	})

	if err != nil {
		t.Fatalf("Expected an advisory failure only, got: %v", err)
	}

	if len(man.ByKind(ArtifactDiskImage)) != 0 {
		t.Fatal("Expected no disk image for an unsupported platform")
	}

	if len(man.ByKind(ArtifactFilesystemImage)) != 1 {
		t.Fatal("Expected the filesystem image despite the failed fan-out stage")
	}

	var warned bool
	for _, w := range man.Warnings {
		if w.Stage == "virtualization" {
			warned = true
		}
	}

	if !warned {
		t.Fatalf("Expected a virtualization warning, got: %v", man.Warnings)
	}
}

func TestConvertBadInput(t *testing.T) {
	t.Run("Missing Source", func(t *testing.T) {
		_, err := Convert(context.Background(), filepath.Join(t.TempDir(), "nope.iso"), t.TempDir(), Options{})
		if code := ExitCode(err); code != ExitBadInput {
			t.Fatalf("Expected exit code %d, got: %d (err: %v)", ExitBadInput, code, err)
		}
	})

	t.Run("Source Is A Directory", func(t *testing.T) {
		_, err := Convert(context.Background(), t.TempDir(), t.TempDir(), Options{})
		if code := ExitCode(err); code != ExitBadInput {
			t.Fatalf("Expected exit code %d, got: %d (err: %v)", ExitBadInput, code, err)
		}
	})

	t.Run("Garbage Source", func(t *testing.T) {
		var p string = filepath.Join(t.TempDir(), "junk.iso")
		if wErr := os.WriteFile(p, []byte("not an iso"), 0o644); wErr != nil {
			t.Fatalf("Expected no error, got: %v", wErr)
		}

		_, err := Convert(context.Background(), p, t.TempDir(), Options{})
		if code := ExitCode(err); code != ExitBadInput {
			t.Fatalf("Expected exit code %d, got: %d (err: %v)", ExitBadInput, code, err)
		}
	})
}

// treeCustomizer drops a marker file into the workspace tree, or fails.
type treeCustomizer struct {
	ranDir string
	fail   bool
}

func (c *treeCustomizer) Customize(ctx context.Context, workspaceDir string) error {
	c.ranDir = workspaceDir

	if c.fail {
		return errors.New("tree rewrite failed")
	}

	return os.WriteFile(filepath.Join(workspaceDir, "customized.flag"), []byte("rewritten\n"), 0o644)
}

func archiveNames(t *testing.T, path string) (names []string) {
	t.Helper()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected no error reading %s, got: %v", path, err)
	}

	dec, err := zstd.NewReader(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("Expected a valid zstd stream, got: %v", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, rErr := tr.Next()
		if rErr == io.EOF {
			break
		}

		if rErr != nil {
			t.Fatalf("Expected a valid tar stream, got: %v", rErr)
		}

		names = append(names, hdr.Name)
	}

	return
}

func TestConvertRunsCustomizerBeforePackaging(t *testing.T) {
	var customizer *treeCustomizer = &treeCustomizer{}
	distro.RegisterCustomizer(distro.Arch, customizer)
	t.Cleanup(func() { distro.RegisterCustomizer(distro.Arch, nil) })

	var (
		outDir          = t.TempDir()
		workspaceParent = t.TempDir()
	)

	man, err := Convert(context.Background(), archTestISO(t), outDir, Options{
		Tier:            compress.TierFast,
		WorkspaceParent: workspaceParent,
	})

	if err != nil {
		t.Fatalf("Expected no error from Convert, got: %v", err)
	}

	if customizer.ranDir == "" {
		t.Fatal("Expected the registered customizer to run")
	}

	if !strings.HasPrefix(customizer.ranDir, workspaceParent) {
		t.Fatalf("Expected the customizer to see the workspace tree, got: %s", customizer.ranDir)
	}

	// The marker file shows up in the packaged artifact, so the rewrite
	// happened before packaging.
	images := man.ByKind(ArtifactFilesystemImage)
	if len(images) != 1 {
		t.Fatalf("Expected exactly one filesystem image, got: %d", len(images))
	}

	var found bool
	for _, name := range archiveNames(t, images[0].Path) {
		if name == "customized.flag" {
			found = true
		}
	}

	if !found {
		t.Fatal("Expected the customizer's marker file inside the packaged tree")
	}
}

func TestConvertFailingCustomizerAbortsRun(t *testing.T) {
	distro.RegisterCustomizer(distro.Arch, &treeCustomizer{fail: true})
	t.Cleanup(func() { distro.RegisterCustomizer(distro.Arch, nil) })

	var (
		outDir          = t.TempDir()
		workspaceParent = t.TempDir()
	)

	man, err := Convert(context.Background(), archTestISO(t), outDir, Options{
		Tier:            compress.TierFast,
		WorkspaceParent: workspaceParent,
	})

	if err == nil {
		t.Fatal("Expected a customize failure to abort the run, but got nil")
	}

	if man != nil {
		t.Fatal("Expected no manifest on a failed run")
	}

	if code := ExitCode(err); code != ExitStageFailure {
		t.Fatalf("Expected exit code %d, got: %d (err: %v)", ExitStageFailure, code, err)
	}

	if leftover := listFiles(t, outDir); len(leftover) != 0 {
		t.Fatalf("Expected no output artifacts after an aborted run, found: %v", leftover)
	}

	if leftover := listFiles(t, workspaceParent); len(leftover) != 0 {
		t.Fatalf("Expected the workspace torn down, found: %v", leftover)
	}
}

func TestConvertCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var workspaceParent string = t.TempDir()

	_, err := Convert(ctx, archTestISO(t), t.TempDir(), Options{
		Tier:            compress.TierFast,
		WorkspaceParent: workspaceParent,
	})

	if err == nil {
		t.Fatal("Expected an error on a cancelled context, but got nil")
	}

	if leftover := listFiles(t, workspaceParent); len(leftover) != 0 {
		t.Fatalf("Expected the workspace torn down after cancellation, found: %v", leftover)
	}
}

func TestWorkspaceDestroyIsIdempotent(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err = ws.Destroy(); err != nil {
		t.Fatalf("Expected no error from the first Destroy, got: %v", err)
	}

	if err = ws.Destroy(); err != nil {
		t.Fatalf("Expected no error from the second Destroy, got: %v", err)
	}
}
