package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

type Configuration struct {
	Output struct {
		Directory    string `toml:"directory" default:"./out" validate:"required"`          // Directory where all produced artifacts are written
		ManifestName string `toml:"manifest_name" default:"manifest.json" validate:"required"` // File name of the JSON artifact manifest written on success
	} `toml:"output"` // Output artifact configuration

	Workspace struct {
		ParentDir string `toml:"parent_dir" default:""` // Parent directory for per-run scratch workspaces. Empty means the system temp directory.
	} `toml:"workspace"` // Scratch workspace configuration

	Compression struct {
		Tier     string `toml:"tier" default:"standard" validate:"required,oneof=fast standard maximum"` // Requested compression aggressiveness: "fast", "standard" or "maximum"
		Analysis bool   `toml:"analysis" default:"false"`                                                // Refine the selected plan by sampling the extracted tree before packaging
	} `toml:"compression"` // Filesystem packaging configuration

	Virtualization struct {
		Enabled        bool   `toml:"enabled" default:"true"`                                    // Produce a hypervisor disk image from the packaged filesystem
		Platform       string `toml:"platform" default:"vmware"`                                 // Target hypervisor: "vmware" (VMDK), "hyperv" (VHDX) or "kvm" (QCOW2)
		TimeoutSeconds int    `toml:"timeout_seconds" default:"600" validate:"required,min=1"`   // Hard timeout for one qemu-img invocation
	} `toml:"virtualization"` // Disk format conversion configuration

	NetworkBoot struct {
		Enabled bool   `toml:"enabled" default:"true"`                                              // Emit PXE/iPXE/GRUB network installation configs
		BaseURL string `toml:"base_url" default:"http://boot.example.lab:8069" validate:"required"` // Base URL the emitted configs point kernel/initrd fetches at
	} `toml:"network_boot"` // Network boot document configuration

	SecureBoot struct {
		Enabled   bool `toml:"enabled" default:"true"`    // Generate image signing material (key pair + self-signed certificate)
		Overwrite bool `toml:"overwrite" default:"false"` // Allow replacing signing material that already exists in the output directory
	} `toml:"secure_boot"` // Signing material configuration

	Tools struct {
		MountTimeoutSeconds int `toml:"mount_timeout_seconds" default:"4" validate:"required,min=1"` // Timeout for one mount/fuseiso attachment attempt
	} `toml:"tools"` // External tool invocation configuration
}

var (
	Config           Configuration
	loadedConfigPath string
)

func LoadedConfigPath() string {
	return loadedConfigPath
}

func loadConfig(path string) (err error) {
	// Apply struct defaults BEFORE loading TOML (so TOML overrides)
	if err = defaults.Set(&Config); err != nil {
		err = fmt.Errorf("set defaults: %w", err)
		return
	}

	if _, err = toml.DecodeFile(path, &Config); err != nil {
		err = fmt.Errorf("decode toml: %w", err)
		return
	}

	if err = validator.New(validator.WithRequiredStructEnabled()).Struct(Config); err != nil {
		err = fmt.Errorf("validate config: %w", err)
	}

	return
}

// generateDefaultConfig writes a config.toml with all default values filled in.
// It will overwrite any existing file at path.
func generateDefaultConfig(path string) (err error) {
	var cfg Configuration

	if err = defaults.Set(&cfg); err != nil {
		err = fmt.Errorf("set defaults: %w", err)
		return
	}

	var file *os.File
	if file, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644); err != nil {
		err = fmt.Errorf("create config file: %w", err)
		return
	}

	defer file.Close()

	var encoder *toml.Encoder = toml.NewEncoder(file)
	encoder.Indent = "    "
	if err = encoder.Encode(cfg); err != nil {
		err = fmt.Errorf("encode toml: %w", err)
	}

	return
}

// Init loads the configuration file at path, generating a default file when
// none exists yet. Every default is usable as-is, so a freshly generated
// config loads cleanly on the next call.
func Init(path string) (err error) {
	if !filepath.IsAbs(path) {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}
	}
	loadedConfigPath = path

	if _, err = os.Stat(path); err != nil {
		if err = generateDefaultConfig(path); err != nil {
			return
		}
	}

	if err = loadConfig(path); err != nil {
		return err
	}

	return nil
}
