package compress

import (
	"github.com/isoforge/isoforge/distro"
)

const (
	mib = 1 << 20
)

type tableKey struct {
	tier Tier
	id   distro.Identity
}

// planTable holds the distribution-aware rows. Only the standard tier is
// distribution-aware today; fast and maximum resolve through the fallback
// rows for every identity.
var planTable = map[tableKey]Plan{
	// Debian media carry mostly pre-compressed .deb pools; a mid xz level is
	// all the extra CPU buys.
	{TierStandard, distro.Debian}: {Algorithm: AlgoXZ, Level: 6, BlockSize: 8 * mib},

	// Fedora trees are rpm-heavy but include large uncompressed stage2
	// images that reward a bigger dictionary.
	{TierStandard, distro.Fedora}: {Algorithm: AlgoXZ, Level: 7, BlockSize: 16 * mib},

	// Arch live media are already one big squashfs; high-level zstd with a
	// long window gets close to xz at a fraction of the time.
	{TierStandard, distro.Arch}: {Algorithm: AlgoZstd, Level: 19, BlockSize: 8 * mib, Filters: []string{FilterLongWindow}},
}

// fallbackPlans always exist for every valid tier, so Select is total even
// for unlisted or unrecognized distributions.
var fallbackPlans = map[Tier]Plan{
	TierFast:     {Algorithm: AlgoZstd, Level: 3, BlockSize: 4 * mib},
	TierStandard: {Algorithm: AlgoXZ, Level: 6, BlockSize: 8 * mib},
	TierMaximum:  {Algorithm: AlgoXZ, Level: 9, BlockSize: 16 * mib, Filters: []string{FilterBinaryTreeMatch}},
}

// Select resolves the concrete compressor parameters for a tier and a
// classified distribution. It never fails for a valid tier: unlisted
// distributions (including Unrecognized) get the tier's generic row.
func Select(tier Tier, id distro.Identity) (plan Plan) {
	var ok bool
	if plan, ok = planTable[tableKey{tier, id}]; ok {
		return
	}

	return fallbackPlans[tier]
}
