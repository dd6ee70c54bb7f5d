package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/z46-dev/go-logger"

	"github.com/isoforge/isoforge/compress"
	"github.com/isoforge/isoforge/config"
	"github.com/isoforge/isoforge/convert"
	"github.com/isoforge/isoforge/pipeline"
)

var log *logger.Logger

func init() {
	log = logger.NewLogger().SetPrefix("[MAIN]", logger.BoldPurple)
}

func main() {
	var (
		configPath = flag.String("config", "config.toml", "Path to the TOML configuration file (generated with defaults when absent)")
		outputDir  = flag.String("out", "", "Output directory, overriding the configured one")
		tierName   = flag.String("tier", "", "Compression tier (fast, standard, maximum), overriding the configured one")
		platform   = flag.String("platform", "", "Virtualization platform (vmware, hyperv, kvm), overriding the configured one")
		analyze    = flag.Bool("analyze", false, "Sample the extracted tree to refine the compression plan")
	)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image.iso>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(pipeline.ExitBadInput)
	}

	var err error
	if err = config.Init(*configPath); err != nil {
		log.Errorf("Failed to initialize configuration: %v\n", err)
		os.Exit(pipeline.ExitFailure)
	}

	var opts pipeline.Options
	if opts, err = buildOptions(*tierName, *platform, *analyze); err != nil {
		log.Errorf("%v\n", err)
		os.Exit(pipeline.ExitBadInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sourcePath string = flag.Arg(0)
	var outDir string = config.Config.Output.Directory
	if *outputDir != "" {
		outDir = *outputDir
	}

	var started time.Time = time.Now()

	var manifest *pipeline.Manifest
	if manifest, err = pipeline.Convert(ctx, sourcePath, outDir, opts); err != nil {
		log.Errorf("Conversion failed: %v\n", err)
		os.Exit(pipeline.ExitCode(err))
	}

	var total int64
	for _, artifact := range manifest.Artifacts {
		total += artifact.Size
		log.Basicf("%-20s %-10s %s\n", artifact.Kind, humanize.Bytes(uint64(artifact.Size)), artifact.Path)
	}

	for _, warning := range manifest.Warnings {
		log.Warningf("%s: %s\n", warning.Stage, warning.Reason)
	}

	log.Statusf("Converted %s -> %d artifacts (%s) in %s\n",
		sourcePath, len(manifest.Artifacts), humanize.Bytes(uint64(total)), time.Since(started).Round(time.Millisecond))
}

// buildOptions merges the loaded configuration with the flag overrides.
func buildOptions(tierName, platformName string, analyze bool) (opts pipeline.Options, err error) {
	var cfg = &config.Config

	if tierName == "" {
		tierName = cfg.Compression.Tier
	}

	if opts.Tier, err = compress.ParseTier(tierName); err != nil {
		return
	}

	opts.Analysis = analyze || cfg.Compression.Analysis

	if cfg.Virtualization.Enabled || platformName != "" {
		if platformName == "" {
			platformName = cfg.Virtualization.Platform
		}

		// An unknown platform surfaces as a run-time warning, not a
		// startup error.
		opts.Platform = convert.Platform(platformName)
	}

	opts.EnableNetworkBoot = cfg.NetworkBoot.Enabled
	opts.NetbootBaseURL = cfg.NetworkBoot.BaseURL
	opts.EnableSecureBoot = cfg.SecureBoot.Enabled
	opts.OverwriteSigning = cfg.SecureBoot.Overwrite
	opts.MountTimeout = time.Duration(cfg.Tools.MountTimeoutSeconds) * time.Second
	opts.ConvertTimeout = time.Duration(cfg.Virtualization.TimeoutSeconds) * time.Second
	opts.WorkspaceParent = cfg.Workspace.ParentDir
	opts.ManifestName = cfg.Output.ManifestName
	return
}
