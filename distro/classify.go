package distro

import (
	"errors"
	"strings"

	"github.com/isoforge/isoforge/iso"
)

// ErrUnrecognized means no known distribution signature matched. It is fatal
// to a conversion run; there is no best-effort fallback identity.
var ErrUnrecognized = errors.New("unrecognized distribution format")

// markerGroups are evaluated in a fixed priority order; the first group with
// any matching signature wins. Markers are matched case-insensitively against
// the image's inspection blob (volume label + bootloader configs + path
// index), so they cover both label strings ("debian", "fedora") and telltale
// media paths ("/casper/", "/arch/boot/").
var markerGroups = []struct {
	identity Identity
	markers  []string
}{
	{Debian, []string{
		"debian", "ubuntu", "mint", "kali",
		"/casper/", "/dists/", "/pool/", "/install.amd/", "preseed",
	}},
	// "arch_2" anchors on the dated volume-label convention (ARCH_202406);
	// a bare "arch_" would also hit GRUB module names like search_fs_uuid.mod
	// carried by unrelated media.
	{Arch, []string{
		"arch linux", "archlinux", "archiso", "arch_2", "manjaro",
		"/arch/boot/",
	}},
	{Fedora, []string{
		"fedora", "centos", "rhel", "red hat", "rocky", "alma",
		"/images/pxeboot/", "/.treeinfo", "anaconda",
	}},
}

// Classify inspects an opened image and returns its distribution identity.
// Pure inspection: the image is never written or mutated.
func Classify(img *iso.Image) (id Identity, err error) {
	return Detect(img.InspectionBlob())
}

// Detect runs the signature match over an already-built inspection blob.
func Detect(blob string) (id Identity, err error) {
	blob = strings.ToLower(blob)

	for _, group := range markerGroups {
		for _, marker := range group.markers {
			if strings.Contains(blob, marker) {
				return group.identity, nil
			}
		}
	}

	return Unrecognized, ErrUnrecognized
}
