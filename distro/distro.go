package distro

// Identity is the distribution family of a source image. Derivatives fold
// into their family: ubuntu/mint count as debian, centos/rhel as fedora,
// manjaro as arch.
type Identity string

const (
	Debian       Identity = "debian"
	Arch         Identity = "arch"
	Fedora       Identity = "fedora"
	Unrecognized Identity = "unrecognized"
)

func (i Identity) String() string {
	return string(i)
}

// Known lists every identity the classifier can positively produce, in
// classification priority order.
func Known() []Identity {
	return []Identity{Debian, Arch, Fedora}
}
