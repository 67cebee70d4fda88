package workspace

import (
	"path/filepath"
	"strings"
)

// canonicalize converts path to its canonical absolute, symlink-resolved
// form. If either step fails it falls back to the best available form, the
// same degrade-gracefully behavior the teacher's path helper uses.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}

// validateWriteTarget enforces §6.2's path-safety rules for any file the
// engine writes outside the database itself: the canonical path must live
// inside root unless allowExternal is set, must not contain ".." after
// normalization, must not escape root through a symlink, and must carry an
// allowed extension.
func validateWriteTarget(root, path string, allowExternal bool) error {
	cleaned := filepath.Clean(path)
	if hasDotDot(cleaned) {
		return errPathTraversal(path, "contains \"..\" after normalization")
	}

	lower := strings.ToLower(cleaned)
	if !strings.HasSuffix(lower, ".jsonl") && !strings.HasSuffix(lower, ".manifest.json") {
		return errPathTraversal(path, "only .jsonl and .manifest.json are permitted for engine-written files")
	}

	canonicalRoot := canonicalize(root)
	canonicalPath := canonicalize(path)

	if !allowExternal && !isWithin(canonicalRoot, canonicalPath) {
		return errPathTraversal(path, "resolves outside the workspace")
	}
	return nil
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func hasDotDot(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
