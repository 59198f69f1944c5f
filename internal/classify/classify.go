// Package classify decides which repository files are worth indexing.
//
// Classification looks only at the file name and size. A rejection always
// carries a reason tag used as the bucket in the discarded-file tally.
package classify

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxFileSize is the largest supported file accepted.
	MaxFileSize int64 = 5 * 1024 * 1024
	// MaxSpecialFileSize is the ceiling for allow-listed extensionless files.
	MaxSpecialFileSize int64 = 10 * 1024 * 1024
	// MinFileSize is the smallest file accepted.
	MinFileSize int64 = 10
)

// Reason tag suffixes.
const (
	SuffixTooLarge  = "_too_large"
	SuffixTooSmall  = "_too_small"
	SuffixStatError = "_stat_error"
	SuffixLoadError = "_load_error"
	// SuffixEmpty tags files that loaded but yielded no text, such as
	// scanned PDFs.
	SuffixEmpty = "_empty"
)

// Decision is the outcome of classifying one file.
type Decision struct {
	Accept bool
	// Ext is the lower-cased extension including the dot, or "" when the
	// file has none.
	Ext string
	// Reason is the discarded-tally bucket. Empty when accepted, and also
	// empty for an unsupported extensionless file.
	Reason string
}

var supportedExtensions = map[string]bool{
	// source code
	".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".go": true, ".java": true, ".kt": true, ".rb": true, ".rs": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cs": true,
	".php": true, ".swift": true, ".scala": true, ".sh": true, ".sql": true,
	// markup
	".md": true, ".mdx": true, ".rst": true, ".txt": true, ".html": true,
	".htm": true, ".css": true, ".scss": true, ".xml": true,
	// config and data
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".cfg": true, ".conf": true, ".tf": true, ".tfvars": true, ".hcl": true,
	".csv": true,
	// rich text
	".pdf": true,
}

// compoundExtensions are matched against the whole lower-cased name before
// falling back to filepath.Ext.
var compoundExtensions = []string{".env.example"}

var specialFiles = map[string]bool{
	"README": true, "LICENSE": true, "CHANGELOG": true, "CONTRIBUTING": true,
	"AUTHORS": true, "NOTICE": true, "MAKEFILE": true, "DOCKERFILE": true,
	"COPYING": true, "INSTALL": true, "TODO": true, "CODEOWNERS": true,
}

// Supported reports whether ext (with leading dot, any case) is indexable.
func Supported(ext string) bool {
	ext = strings.ToLower(ext)
	if supportedExtensions[ext] {
		return true
	}
	for _, c := range compoundExtensions {
		if ext == c {
			return true
		}
	}
	return false
}

// Extension returns the lower-cased extension of name, recognising
// compound extensions such as ".env.example".
func Extension(name string) string {
	lower := strings.ToLower(filepath.Base(name))
	for _, c := range compoundExtensions {
		if strings.HasSuffix(lower, c) && len(lower) >= len(c) {
			return c
		}
	}
	return strings.ToLower(filepath.Ext(name))
}

// Classify applies the rules in order: allow-listed extensionless files,
// unsupported extensions, then the size bounds.
func Classify(name string, size int64) Decision {
	ext := Extension(name)

	if ext == "" && specialFiles[strings.ToUpper(filepath.Base(name))] {
		if size > MaxSpecialFileSize {
			return Decision{Ext: ext, Reason: ext + SuffixTooLarge}
		}
		return Decision{Accept: true, Ext: ext}
	}

	if !Supported(ext) {
		return Decision{Ext: ext, Reason: ext}
	}

	if size > MaxFileSize {
		return Decision{Ext: ext, Reason: ext + SuffixTooLarge}
	}
	if size < MinFileSize {
		return Decision{Ext: ext, Reason: ext + SuffixTooSmall}
	}
	return Decision{Accept: true, Ext: ext}
}

// ClassifyPath stats path and classifies it. A stat failure is a rejection
// tagged "<ext>_stat_error".
func ClassifyPath(path string) Decision {
	info, err := os.Stat(path)
	if err != nil {
		ext := Extension(path)
		return Decision{Ext: ext, Reason: ext + SuffixStatError}
	}
	return Classify(path, info.Size())
}
