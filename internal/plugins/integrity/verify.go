// Package integrity detects on-disk changes to plugin manifests after they
// were registered. It only touches the filesystem so it can be tested
// without a registry or store.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Result holds the outcome of a manifest verification.
type Result struct {
	Verified bool   // the file exists and matches the expected digest
	Missing  bool   // the file no longer exists
	Got      string // digest of the file on disk, empty on error
	Reason   string // human readable description of a failure
}

// Digest returns the lowercase hex SHA-256 of a manifest's text.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyFile hashes dir/rel and compares it with want. rel must stay inside
// dir, after symlinks are resolved.
func VerifyFile(dir, rel, want string) Result {
	cleanDir := filepath.Clean(dir)
	realDir, err := filepath.EvalSymlinks(cleanDir)
	if err != nil {
		realDir = cleanDir
	}

	path := filepath.Join(cleanDir, filepath.FromSlash(rel))
	if r, err := filepath.Rel(cleanDir, path); err != nil || !filepath.IsLocal(r) {
		return Result{Reason: fmt.Sprintf("%s: path escapes plugin directory", rel)}
	}

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Missing: true, Reason: fmt.Sprintf("missing: %s", rel)}
		}
		return Result{Reason: fmt.Sprintf("%s: %v", rel, err)}
	}
	if r, err := filepath.Rel(realDir, realPath); err != nil || !filepath.IsLocal(r) {
		return Result{Reason: fmt.Sprintf("%s: path resolves outside plugin directory", rel)}
	}

	got, err := hashFile(realPath)
	if err != nil {
		return Result{Reason: fmt.Sprintf("%s: %v", rel, err)}
	}

	want = strings.ToLower(want)
	if got != want {
		return Result{Got: got, Reason: fmt.Sprintf("modified: %s (expected: %s..., got: %s...)", rel, prefix(want), prefix(got))}
	}
	return Result{Verified: true, Got: got}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", errors.New("not a regular file")
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func prefix(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
