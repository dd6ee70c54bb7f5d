package iso

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
)

var ErrUDFHybrid = errors.New("udf/hybrid dvd not supported by iso9660 reader")

func isUDFMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "little-endian and big-endian value mismatch")
}

func buildIndex(image *iso9660.Image) (index []string, err error) {
	var walkFn func(*iso9660.File, string) error
	walkFn = func(file *iso9660.File, currPath string) (err error) {
		var lowerPath string = currPath
		if lowerPath == "" {
			lowerPath = "/"
		}

		index = append(index, strings.ToLower(lowerPath))

		if file.IsDir() {
			var children []*iso9660.File
			if children, err = file.GetChildren(); err != nil {
				if isUDFMismatch(err) {
					err = ErrUDFHybrid
				}

				return
			}

			for _, child := range children {
				var name string = child.Name()
				if name == "." || name == ".." {
					continue
				}

				var next string = path.Join(lowerPath, name)
				if !strings.HasPrefix(next, "/") {
					next = "/" + next
				}

				if err = walkFn(child, next); err != nil {
					return
				}
			}
		}

		return
	}

	var root *iso9660.File
	if root, err = image.RootDir(); err != nil {
		if isUDFMismatch(err) {
			err = ErrUDFHybrid
		}

		return
	}

	if err = walkFn(root, "/"); err != nil {
		return
	}

	sort.Strings(index)
	return
}

type externalLister struct {
	binary string
	args   func(isoPath string) []string
	pick   func(line string) (subPath string, ok bool)
}

func pickPlainPath(line string) (subPath string, ok bool) {
	subPath = strings.TrimSpace(line)
	if subPath == "" || subPath == "/" {
		return "", false
	}

	subPath = strings.ReplaceAll(subPath, "\\", "/")
	if !strings.HasPrefix(subPath, "/") {
		subPath = "/" + subPath
	}

	return strings.ToLower(path.Clean(subPath)), true
}

var externalListers = []externalLister{
	{
		binary: "xorriso",
		args:   func(isoPath string) []string { return []string{"-indev", isoPath, "-find", "/", "-print"} },
		pick:   pickPlainPath,
	},
	{
		binary: "bsdtar",
		args:   func(isoPath string) []string { return []string{"-tf", isoPath} },
		pick:   pickPlainPath,
	},
	{
		binary: "7z",
		args:   func(isoPath string) []string { return []string{"l", "-slt", "--", isoPath} },
		pick: func(line string) (string, bool) {
			if !strings.HasPrefix(line, "Path = ") {
				return "", false
			}

			return pickPlainPath(strings.TrimPrefix(line, "Path = "))
		},
	},
	{
		binary: "isoinfo",
		args:   func(isoPath string) []string { return []string{"-J", "-R", "-f", "-i", isoPath} },
		pick:   pickPlainPath,
	},
}

// buildIndexExternal shells out to the first available UDF-capable lister
// when the pure-Go reader cannot walk a hybrid image.
func buildIndexExternal(isoPath string) (index []string, err error) {
	for _, lister := range externalListers {
		if _, err = exec.LookPath(lister.binary); err != nil {
			continue
		}

		var output []byte
		if output, err = exec.Command(lister.binary, lister.args(isoPath)...).Output(); err != nil {
			continue
		}

		return normalizeIndexLines(strings.NewReader(string(output)), lister.pick)
	}

	err = fmt.Errorf("no UDF-capable lister produced results; install xorriso or bsdtar or 7z")
	return
}

func normalizeIndexLines(r io.Reader, pick func(string) (string, bool)) (index []string, err error) {
	var (
		scanner *bufio.Scanner = bufio.NewScanner(r)
		buf     []byte         = make([]byte, 0, 1024*1024) // Some tools print very long lines (rare), bump the buffer
	)

	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if subPath, ok := pick(scanner.Text()); ok {
			index = append(index, subPath)
		}
	}

	if err = scanner.Err(); err != nil {
		return
	}

	sort.Strings(index)

	var (
		out  []string = index[:0]
		prev string
	)

	for _, s := range index {
		if s != prev {
			out = append(out, s)
			prev = s
		}
	}

	index = out
	return
}

func indexFindAnyWithPrefix(index []string, prefixes ...string) (out []string) {
	for _, entry := range index {
		for _, prefix := range prefixes {
			if strings.HasPrefix(entry, strings.ToLower(prefix)) {
				out = append(out, entry)
				break
			}
		}
	}

	return
}

func openPath(image *iso9660.Image, isoPath string) (reader io.Reader, err error) {
	isoPath = path.Clean(isoPath)
	var parts []string = strings.Split(isoPath, "/")
	var currDir *iso9660.File

	if currDir, err = image.RootDir(); err != nil {
		return
	}

	for i, part := range parts {
		if part == "" {
			continue
		}

		var children []*iso9660.File
		if children, err = currDir.GetChildren(); err != nil {
			return
		}

		var next *iso9660.File
		var lp string = strings.ToLower(part)

		for _, child := range children {
			if strings.ToLower(child.Name()) == lp {
				next = child
				break
			}
		}

		if next == nil {
			err = fmt.Errorf("path not found in ISO image: %s", isoPath)
			return
		}

		if i == len(parts)-1 {
			reader = next.Reader()
			return
		}

		currDir = next
	}

	return
}

func readFileLines(image *iso9660.Image, path string) (lines []string, err error) {
	var (
		reader       io.Reader
		bufferReader *bufio.Reader
	)

	if reader, err = openPath(image, path); err != nil {
		return
	}

	bufferReader = bufio.NewReader(reader)
	for {
		var line string
		if line, err = bufferReader.ReadString('\n'); err != nil && err != io.EOF {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)

		if err == io.EOF {
			err = nil
			break
		}
	}

	return
}

func loadConfigs(index []string) (configs []string, err error) {
	var cfgs []string = append([]string{}, indexFindAnyWithPrefix(index, "/boot/grub", "/boot/grub2", "/efi/boot", "/isolinux", "/syslinux")...)
	for _, cfg := range cfgs {
		if strings.HasSuffix(cfg, ".cfg") || strings.HasSuffix(cfg, ".conf") {
			configs = append(configs, cfg)
		} else if path.Base(cfg) == "grub.cfg" || path.Base(cfg) == "grub2.cfg" || path.Base(cfg) == "syslinux.cfg" || path.Base(cfg) == "isolinux.cfg" {
			configs = append(configs, cfg)
		}
	}

	return
}

func readConfigs(image *iso9660.Image, configs []string) (allLines map[string][]string, err error) {
	allLines = make(map[string][]string)
	for _, cfgPath := range configs {
		var lines []string
		if lines, err = readFileLines(image, cfgPath); err != nil {
			return
		}

		allLines[cfgPath] = lines
	}

	return
}
