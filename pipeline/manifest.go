package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

type ArtifactKind string

const (
	ArtifactFilesystemImage ArtifactKind = "filesystem-image"
	ArtifactDiskImage       ArtifactKind = "disk-image"
	ArtifactNetbootConfig   ArtifactKind = "netboot-config"
	ArtifactSigningKey      ArtifactKind = "signing-key"
	ArtifactSigningCert     ArtifactKind = "signing-certificate"
)

// Artifact is one produced output file.
type Artifact struct {
	Kind   ArtifactKind `json:"kind"`
	Path   string       `json:"path"`
	Size   int64        `json:"size"`
	SHA256 string       `json:"sha256"`
}

// Warning records an advisory stage outcome that did not abort the run.
type Warning struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Manifest is the ordered, append-only record of everything one run
// produced. An artifact is recorded only after its producing stage reported
// success; a partially written file never appears here.
type Manifest struct {
	Source    string     `json:"source"`
	Distro    string     `json:"distro"`
	Artifacts []Artifact `json:"artifacts"`
	Warnings  []Warning  `json:"warnings,omitempty"`
}

// record stats and checksums the finished file at path and appends it.
func (m *Manifest) record(kind ArtifactKind, path string) (err error) {
	var stat os.FileInfo
	if stat, err = os.Stat(path); err != nil {
		return fmt.Errorf("stat artifact %s: %w", path, err)
	}

	var sum string
	if sum, err = fileSHA256(path); err != nil {
		return fmt.Errorf("checksum artifact %s: %w", path, err)
	}

	m.Artifacts = append(m.Artifacts, Artifact{
		Kind:   kind,
		Path:   path,
		Size:   stat.Size(),
		SHA256: sum,
	})

	return
}

func (m *Manifest) warn(stage, reason string) {
	m.Warnings = append(m.Warnings, Warning{Stage: stage, Reason: reason})
}

// ByKind returns the recorded artifacts of one kind, in record order.
func (m *Manifest) ByKind(kind ArtifactKind) (out []Artifact) {
	for _, a := range m.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}

	return
}

// WriteJSON persists the manifest for downstream tooling.
func (m *Manifest) WriteJSON(path string) (err error) {
	var data []byte
	if data, err = json.MarshalIndent(m, "", "  "); err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func fileSHA256(path string) (sum string, err error) {
	var file *os.File
	if file, err = os.Open(path); err != nil {
		return
	}

	defer file.Close()

	var h = sha256.New()
	if _, err = io.Copy(h, file); err != nil {
		return
	}

	sum = hex.EncodeToString(h.Sum(nil))
	return
}
