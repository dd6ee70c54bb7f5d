package compress

import (
	"fmt"
	"strings"
)

// Tier is the requested compression aggressiveness. The three tiers trade
// CPU time against ratio monotonically: fast spends the least CPU, maximum
// squeezes the best ratio, standard sits between and is distribution-aware.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierMaximum  Tier = "maximum"
)

func ParseTier(s string) (t Tier, err error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFast:
		t = TierFast
	case TierStandard:
		t = TierStandard
	case TierMaximum:
		t = TierMaximum
	default:
		err = fmt.Errorf("unknown compression tier %q (want fast, standard or maximum)", s)
	}

	return
}

type Algorithm string

const (
	AlgoXZ   Algorithm = "xz"
	AlgoZstd Algorithm = "zstd"
	AlgoGzip Algorithm = "gzip"
)

// Filter names a compressor tuning switch the packer understands.
const (
	// FilterBinaryTreeMatch selects the slow binary-tree match finder for xz
	// (better ratio, more CPU).
	FilterBinaryTreeMatch = "bt-match"

	// FilterLongWindow widens the zstd match window to the plan block size.
	FilterLongWindow = "long"
)

// Plan is the concrete compressor configuration one packaging run uses.
// It is a value object: produced by Select (or refined by AnalyzeTree) and
// never mutated afterwards.
type Plan struct {
	Algorithm Algorithm
	Level     int
	BlockSize int64
	Filters   []string
}

func (p Plan) HasFilter(name string) bool {
	for _, f := range p.Filters {
		if f == name {
			return true
		}
	}

	return false
}

// Extension is the artifact file suffix for the plan's algorithm.
func (p Plan) Extension() string {
	switch p.Algorithm {
	case AlgoZstd:
		return ".tar.zst"
	case AlgoGzip:
		return ".tar.gz"
	default:
		return ".tar.xz"
	}
}

func (p Plan) String() string {
	if len(p.Filters) == 0 {
		return fmt.Sprintf("%s level=%d block=%d", p.Algorithm, p.Level, p.BlockSize)
	}

	return fmt.Sprintf("%s level=%d block=%d filters=%s", p.Algorithm, p.Level, p.BlockSize, strings.Join(p.Filters, ","))
}
