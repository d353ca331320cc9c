package common

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanPath returns path as a clean absolute path. Paths that still climb
// out with ".." after cleaning are rejected.
func CleanPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) ||
		strings.Contains(cleaned, string(filepath.Separator)+".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path %q: contains directory traversal", path)
	}

	if !filepath.IsAbs(cleaned) {
		abs, err := filepath.Abs(cleaned)
		if err != nil {
			return "", fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		cleaned = abs
	}
	return cleaned, nil
}

// ValidatePath returns the cleaned path if it lies inside baseDir.
func ValidatePath(path, baseDir string) (string, error) {
	cleanedPath, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	cleanedBase, err := CleanPath(baseDir)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(cleanedBase, cleanedPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside %s", path, cleanedBase)
	}
	return cleanedPath, nil
}

// JoinPath joins elements onto base and checks the result stays under base.
func JoinPath(base string, elements ...string) (string, error) {
	cleanedBase, err := CleanPath(base)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(append([]string{cleanedBase}, elements...)...)
	return ValidatePath(joined, cleanedBase)
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")

// FileName turns a table, dataset or batch name into a single path element.
func FileName(name string) string {
	return unsafeName.Replace(name)
}
