package netboot

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/isoforge/isoforge/distro"
	"github.com/z46-dev/go-logger"
)

var log *logger.Logger = logger.NewLogger().SetPrefix("[PXE]", logger.BoldBlue)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

const (
	templateKeyPXELinux = "pxelinux.cfg/default"
	templateKeyIPXE     = "boot.ipxe"
	templateKeyGRUB     = "grub.cfg"
)

var templatePaths = map[string]string{
	templateKeyPXELinux: "pxelinux.cfg.tmpl",
	templateKeyIPXE:     "ipxe.tmpl",
	templateKeyGRUB:     "grub-net.cfg.tmpl",
}

var templateFuncMap = template.FuncMap{
	"default": func(value, fallback string) string {
		if strings.TrimSpace(value) == "" {
			return fallback
		}
		return value
	},
	"join":    strings.Join,
	"replace": strings.ReplaceAll,
}

// TemplateContext carries everything the boot documents can reference: the
// distribution identity plus the base-URL/kernel-path convention.
type TemplateContext struct {
	Distro     string
	PrettyName string
	BaseURL    string

	KernelPath string
	InitrdPath string

	KernelArgs       []string
	KernelArgsJoined string
}

// bootParams is the per-distribution kernel-path convention. Distributions
// without a row degrade to the generic row rather than failing.
type bootParams struct {
	prettyName string
	kernelPath string
	initrdPath string
	kernelArgs []string
}

var bootParamsTable = map[distro.Identity]bootParams{
	distro.Debian: {
		prettyName: "Debian",
		kernelPath: "casper/vmlinuz",
		initrdPath: "casper/initrd",
		kernelArgs: []string{"auto=true", "priority=critical"},
	},
	distro.Arch: {
		prettyName: "Arch Linux",
		kernelPath: "arch/boot/x86_64/vmlinuz-linux",
		initrdPath: "arch/boot/x86_64/initramfs-linux.img",
		kernelArgs: []string{"archisobasedir=arch"},
	},
	distro.Fedora: {
		prettyName: "Fedora",
		kernelPath: "images/pxeboot/vmlinuz",
		initrdPath: "images/pxeboot/initrd.img",
		kernelArgs: []string{"inst.stage2=live"},
	},
}

var genericBootParams = bootParams{
	prettyName: "Linux",
	kernelPath: "boot/vmlinuz",
	initrdPath: "boot/initrd.img",
}

// Emit renders the network boot documents for a distribution into
// outDir/netboot and returns the written paths in a stable order. Content is
// a pure function of (identity, baseURL): emitting twice produces
// byte-identical documents.
func Emit(id distro.Identity, outDir, baseURL string) (paths []string, err error) {
	var ctx *TemplateContext = buildTemplateContext(id, baseURL)

	var root string = filepath.Join(outDir, "netboot")
	if err = os.MkdirAll(filepath.Join(root, "pxelinux.cfg"), 0o755); err != nil {
		err = fmt.Errorf("mkdir netboot dir: %w", err)
		return
	}

	for key := range templatePaths {
		var data []byte
		if data, err = renderTemplate(key, ctx); err != nil {
			return nil, err
		}

		var dst string = filepath.Join(root, filepath.FromSlash(key))
		if err = os.WriteFile(dst, data, 0o644); err != nil {
			err = fmt.Errorf("write %s: %w", dst, err)
			return nil, err
		}

		paths = append(paths, dst)
	}

	sort.Strings(paths)
	log.Basicf("emitted %d boot documents for %s\n", len(paths), ctx.PrettyName)
	return
}

func buildTemplateContext(id distro.Identity, baseURL string) (ctx *TemplateContext) {
	var params bootParams
	var ok bool
	if params, ok = bootParamsTable[id]; !ok {
		params = genericBootParams
	}

	baseURL = strings.TrimRight(baseURL, "/")

	ctx = &TemplateContext{
		Distro:     id.String(),
		PrettyName: params.prettyName,
		BaseURL:    baseURL,
		KernelPath: params.kernelPath,
		InitrdPath: params.initrdPath,
		KernelArgs: params.kernelArgs,
	}

	ctx.KernelArgsJoined = strings.Join(ctx.KernelArgs, " ")
	return
}

func loadTemplate(key string) (*template.Template, error) {
	rel, ok := templatePaths[key]
	if !ok {
		return nil, fmt.Errorf("unknown template key %s", key)
	}

	data, err := embeddedTemplates.ReadFile(path.Join("templates", rel))
	if err != nil {
		return nil, err
	}

	return template.New(key).Funcs(templateFuncMap).Parse(string(data))
}

func renderTemplate(key string, ctx *TemplateContext) ([]byte, error) {
	tpl, err := loadTemplate(key)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, ctx); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
