package distro

import (
	"errors"
	"testing"
)

func TestDetectKnownDistributions(t *testing.T) {
	var cases = []struct {
		name string
		blob string
		want Identity
	}{
		{"Debian Volume Label", "debian-12.5.0-amd64 dvd\n/dists/bookworm/release\n", Debian},
		{"Ubuntu Casper Layout", "ubuntu 24.04 lts\n/casper/vmlinuz\n/casper/initrd\n", Debian},
		{"Kali Boot Config", "append preseed/file=/cdrom/simple-cdd/default.preseed\nkali gnu/linux\n", Debian},
		{"Arch Volume Label", "arch_202406\n/arch/boot/x86_64/vmlinuz-linux\n", Arch},
		{"Archiso Boot Config", "archiso boot entry\nlinux /arch/boot/x86_64/vmlinuz-linux\n", Arch},
		{"Manjaro", "manjaro live dvd\n/boot/grub/grub.cfg\n", Arch},
		{"Fedora Treeinfo", "fedora-server-dvd\n/.treeinfo\n/images/pxeboot/vmlinuz\n", Fedora},
		{"Rocky Anaconda", "rocky linux 9\ninst.stage2 anaconda\n", Fedora},
		{"CentOS PXE Tree", "centos stream\n/images/pxeboot/initrd.img\n", Fedora},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Detect(tc.blob)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			if id != tc.want {
				t.Fatalf("Expected identity %s, got: %s", tc.want, id)
			}
		})
	}
}

func TestDetectPriorityOrder(t *testing.T) {
	// A blob matching several families resolves by the fixed priority
	// order, not by match count.
	var blob string = "fedora respin built on archlinux tooling over a debian chroot"

	id, err := Detect(blob)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if id != Debian {
		t.Fatalf("Expected debian to win the priority order, got: %s", id)
	}
}

func TestDetectUnrecognized(t *testing.T) {
	_, err := Detect("freedos 1.3 bootable media\n/kernel.sys\n")
	if !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("Expected ErrUnrecognized, got: %v", err)
	}
}

func TestDetectIgnoresGrubModuleNames(t *testing.T) {
	// GRUB module files like search_fs_uuid.mod appear on media from
	// families the classifier does not know; they must not read as arch.
	var blob string = "opensuse leap 15\n" +
		"/boot/grub2/x86_64-efi/search_fs_uuid.mod\n" +
		"/boot/grub2/x86_64-efi/search_label.mod\n" +
		"/boot/x86_64/loader/linux\n"

	id, err := Detect(blob)
	if !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("Expected ErrUnrecognized for an out-of-set image, got id=%s err=%v", id, err)
	}
}

func TestDetectEmptyBlob(t *testing.T) {
	_, err := Detect("")
	if !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("Expected ErrUnrecognized for empty inspection data, got: %v", err)
	}
}

func TestKnownHasNoUnrecognized(t *testing.T) {
	for _, id := range Known() {
		if id == Unrecognized {
			t.Fatal("Known() must not enumerate the unrecognized identity")
		}
	}
}
