package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitGeneratesLoadableDefaults(t *testing.T) {
	var path string = filepath.Join(t.TempDir(), "config.toml")

	if err := Init(path); err != nil {
		t.Fatalf("Expected no error generating defaults, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected the generated config on disk, got: %v", err)
	}

	if Config.Compression.Tier != "standard" {
		t.Fatalf("Expected the standard tier by default, got: %q", Config.Compression.Tier)
	}

	if Config.Output.ManifestName != "manifest.json" {
		t.Fatalf("Expected the default manifest name, got: %q", Config.Output.ManifestName)
	}

	// A second Init must load the generated file cleanly.
	if err := Init(path); err != nil {
		t.Fatalf("Expected the generated config to validate, got: %v", err)
	}
}

func TestInitRejectsInvalidTier(t *testing.T) {
	var path string = filepath.Join(t.TempDir(), "config.toml")

	var body string = "[compression]\ntier = \"ludicrous\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := Init(path); err == nil {
		t.Fatal("Expected a validation error for an unknown tier, but got nil")
	}
}
