// Package installer copies a plugin from a local directory or archive into
// the plugin directory after validating its manifest.
package installer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
)

const (
	maxFileSize    = 16 * 1024 * 1024  // per extracted file
	maxExtractSize = 128 * 1024 * 1024 // cumulative
	maxFileCount   = 2000
)

// Lookup reports whether a plugin id is already registered.
type Lookup func(id string) bool

// Installer installs plugins into pluginDir.
type Installer struct {
	pluginDir  string
	registered Lookup
}

// NewInstaller creates an installer. registered may be nil.
func NewInstaller(pluginDir string, registered Lookup) *Installer {
	return &Installer{pluginDir: pluginDir, registered: registered}
}

// Result holds the outcome of an installation.
type Result struct {
	PluginID string
	Version  string
	Trust    manifest.TrustLevel
	Dir      string
}

// InstallFromPath installs the plugin found at path, which may be a plugin
// directory or a .zip / .tar.gz archive of one. The plugin lands in
// pluginDir/<id>; registering it is left to the caller.
func (inst *Installer) InstallFromPath(ctx context.Context, path string) (*Result, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if info.IsDir() {
		return inst.installFromDir(absPath)
	}

	tmpDir, err := os.MkdirTemp("", "habitvault-plugin-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractArchive(ctx, absPath, tmpDir); err != nil {
		return nil, fmt.Errorf("extract archive: %w", err)
	}
	return inst.installFromDir(tmpDir)
}

func (inst *Installer) installFromDir(dir string) (*Result, error) {
	// The manifest may sit at the root or in a single top-level directory.
	manifestDir := dir
	mf, err := manifest.LoadFromDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		entries, readErr := os.ReadDir(dir)
		if readErr != nil {
			return nil, fmt.Errorf("read plugin directory: %w", readErr)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			sub := filepath.Join(dir, e.Name())
			if mf, err = manifest.LoadFromDir(sub); !errors.Is(err, fs.ErrNotExist) {
				manifestDir = sub
				break
			}
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.New("no plugin manifest found")
	}
	if err != nil {
		return nil, err
	}

	id := mf.ID()
	if inst.registered != nil && inst.registered(id) {
		return nil, fmt.Errorf("plugin %s is already registered", id)
	}
	destDir := filepath.Join(inst.pluginDir, id)
	if _, err := os.Stat(destDir); err == nil {
		return nil, fmt.Errorf("plugin %s is already installed (directory exists: %s)", id, destDir)
	}

	if err := os.MkdirAll(inst.pluginDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin directory: %w", err)
	}
	// Copy into a hidden staging directory first so a watcher never sees a
	// half-written plugin.
	staging, err := os.MkdirTemp(inst.pluginDir, ".install-*")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := copyDir(manifestDir, staging); err != nil {
		return nil, fmt.Errorf("install plugin files: %w", err)
	}
	if err := os.Rename(staging, destDir); err != nil {
		return nil, fmt.Errorf("install plugin files: %w", err)
	}

	return &Result{
		PluginID: id,
		Version:  mf.Metadata.Version,
		Trust:    mf.Trust,
		Dir:      destDir,
	}, nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Symlinks are never followed.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		return writeFile(target, in, info.Mode())
	})
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode&0o777|0o600)
	if err != nil {
		return err
	}
	written, copyErr := io.Copy(out, io.LimitReader(r, maxFileSize+1))
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if written > maxFileSize {
		return fmt.Errorf("file %s exceeds maximum size (%d bytes)", filepath.Base(target), maxFileSize)
	}
	return nil
}

func extractArchive(ctx context.Context, archivePath, destDir string) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(ctx, archivePath, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(ctx, archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive %s (want .zip or .tar.gz)", filepath.Base(archivePath))
	}
}

// extractor enforces the shared limits of archive extraction.
type extractor struct {
	destDir string
	count   int
	total   int64
}

func (x *extractor) target(name string) (string, error) {
	x.count++
	if x.count > maxFileCount {
		return "", fmt.Errorf("archive contains too many files (max %d)", maxFileCount)
	}
	target := filepath.Join(x.destDir, name)
	if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(x.destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid path in archive: %s", name)
	}
	return target, nil
}

func (x *extractor) write(target string, r io.Reader, mode fs.FileMode) error {
	if err := writeFile(target, r, mode); err != nil {
		return err
	}
	if info, err := os.Stat(target); err == nil {
		x.total += info.Size()
	}
	if x.total > maxExtractSize {
		return fmt.Errorf("archive exceeds total extraction limit (%d bytes)", maxExtractSize)
	}
	return nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	x := &extractor{destDir: destDir}
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		if f.FileInfo().Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive contains symlink (not allowed): %s", f.Name)
		}
		target, err := x.target(f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = x.write(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	x := &extractor{destDir: destDir}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
			return fmt.Errorf("archive contains link entry (not allowed): %s", header.Name)
		}
		target, err := x.target(header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.write(target, tr, fs.FileMode(header.Mode)); err != nil {
				return err
			}
		}
	}
}
