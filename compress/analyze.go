package compress

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// Caps keep the sampling pass cheap even on very large trees.
const (
	analyzeMaxFiles = 2048
	analyzeMinBlock = 1 * mib
)

// Extensions whose content is effectively incompressible already.
var precompressedExts = map[string]bool{
	".gz": true, ".xz": true, ".zst": true, ".bz2": true, ".lz": true,
	".zip": true, ".deb": true, ".rpm": true, ".sfs": true, ".squashfs": true,
	".img": true, ".jpg": true, ".jpeg": true, ".png": true, ".efi": true,
}

// AnalyzeTree samples the extracted tree and refines the plan the lookup
// table produced. It is an alternate source of values, not a different
// contract: the result has the same shape and only the level, block size and
// filter switches move. Errors during sampling leave the base plan untouched.
func AnalyzeTree(dir string, base Plan) (plan Plan) {
	plan = base

	var (
		files              int
		totalBytes         int64
		precompressedBytes int64
	)

	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}

		var info fs.FileInfo
		var err error
		if info, err = d.Info(); err != nil {
			return nil
		}

		files++
		totalBytes += info.Size()

		if precompressedExts[strings.ToLower(filepath.Ext(p))] {
			precompressedBytes += info.Size()
		}

		if files >= analyzeMaxFiles {
			return fs.SkipAll
		}

		return nil
	})

	if files == 0 || totalBytes == 0 {
		return
	}

	// A tree dominated by already-compressed payloads gains almost nothing
	// from an expensive setting; cut the level and drop the slow matcher.
	if precompressedBytes*10 >= totalBytes*7 {
		if plan.Algorithm == AlgoXZ && plan.Level > 2 {
			plan.Level = 2
		}

		if plan.Algorithm == AlgoZstd && plan.Level > 3 {
			plan.Level = 3
		}

		plan.Filters = without(plan.Filters, FilterBinaryTreeMatch)
	}

	// Many tiny files: a smaller block keeps per-block dictionaries hot.
	if avg := totalBytes / int64(files); avg < 4096 && plan.BlockSize > analyzeMinBlock {
		plan.BlockSize = plan.BlockSize / 2
		if plan.BlockSize < analyzeMinBlock {
			plan.BlockSize = analyzeMinBlock
		}
	}

	return
}

func without(filters []string, name string) (out []string) {
	for _, f := range filters {
		if f != name {
			out = append(out, f)
		}
	}

	return
}
