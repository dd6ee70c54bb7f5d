package iso

import (
	"fmt"
	"os"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/kdomanski/iso9660"
)

// Image is an immutable read handle on a source ISO file. Opening an image
// indexes its full path tree and reads its bootloader configs once; the
// classifier and the extraction stage both work off that snapshot.
type Image struct {
	Path  string
	Size  int64
	label string

	index       []string
	configLines map[string][]string
}

func Open(sourceImage string) (img *Image, err error) {
	var (
		stat os.FileInfo
		file *os.File
		raw  *iso9660.Image
	)

	if stat, err = os.Stat(sourceImage); err != nil {
		err = fmt.Errorf("stat iso: %w", err)
		return
	}

	if stat.IsDir() {
		err = fmt.Errorf("path %q is a directory, expected an ISO file", sourceImage)
		return
	}

	img = &Image{
		Path: sourceImage,
		Size: stat.Size(),
	}

	if file, err = os.Open(sourceImage); err != nil {
		err = fmt.Errorf("open iso: %w", err)
		return
	}

	defer file.Close()

	if raw, err = iso9660.OpenImage(file); err != nil {
		err = fmt.Errorf("open iso9660: %w", err)
		return
	}

	if img.index, err = buildIndex(raw); err != nil {
		if err == ErrUDFHybrid {
			img.index, err = buildIndexExternal(sourceImage)
		}

		if err != nil {
			return
		}
	}

	var configPaths []string
	if configPaths, err = loadConfigs(img.index); err != nil {
		return
	}

	if img.configLines, err = readConfigs(raw, configPaths); err != nil {
		return
	}

	// Volume label is best-effort: some hybrid images refuse a diskfs open,
	// and the classifier can still work off the index and config blobs.
	if d, e := diskfs.Open(sourceImage); e == nil {
		if fs, e := d.GetFilesystem(0); e == nil {
			img.label = strings.TrimSpace(fs.Label())
		}
	}

	return
}

// Label returns the volume label, possibly empty.
func (img *Image) Label() string {
	return img.label
}

// Index returns the sorted, lowercased absolute paths of every entry.
func (img *Image) Index() []string {
	return img.index
}

// InspectionBlob folds the volume label, bootloader config contents and the
// path index into one lowercased string for signature matching.
func (img *Image) InspectionBlob() string {
	var blobBuilder strings.Builder

	if img.label != "" {
		blobBuilder.WriteString(img.label)
		blobBuilder.WriteByte('\n')
	}

	for cfgPath, lines := range img.configLines {
		blobBuilder.WriteString(cfgPath)
		blobBuilder.WriteByte('\n')
		blobBuilder.WriteString(strings.Join(lines, "\n"))
		blobBuilder.WriteByte('\n')
	}

	for _, p := range img.index {
		blobBuilder.WriteString(p)
		blobBuilder.WriteByte('\n')
	}

	return strings.ToLower(blobBuilder.String())
}
