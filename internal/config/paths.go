// Package config resolves the on-disk layout of a vault and loads its
// policy file.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the vault home directory.
const HomeEnv = "HABITVAULT_HOME"

// Paths contains all paths of a vault.
type Paths struct {
	Home      string // Vault home directory
	DB        string // SQLite store path
	PluginDir string // Installed plugins, one directory each
	AuditDir  string // Audit log directory
	AuditLog  string // Hash-chained JSON lines audit log
	Policy    string // YAML policy file
	Logs      string // Logs directory
}

// GetPaths returns the layout rooted at home. An empty home resolves to
// $HABITVAULT_HOME or ~/.habitvault.
func GetPaths(home string) Paths {
	if home == "" {
		home = GetHome()
	}
	home = ExpandPath(home)

	auditDir := filepath.Join(home, "audit")
	return Paths{
		Home:      home,
		DB:        filepath.Join(home, "vault.db"),
		PluginDir: filepath.Join(home, "plugins"),
		AuditDir:  auditDir,
		AuditLog:  filepath.Join(auditDir, "audit.jsonl"),
		Policy:    filepath.Join(home, "policy.yaml"),
		Logs:      filepath.Join(home, "logs"),
	}
}

// GetHome returns the vault home directory.
func GetHome() string {
	if env := strings.TrimSpace(os.Getenv(HomeEnv)); env != "" {
		return ExpandPath(env)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".habitvault")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDirs creates the directory structure of paths if it does not exist.
func EnsureDirs(paths Paths) error {
	dirs := []string{
		paths.Home,
		paths.PluginDir,
		paths.AuditDir,
		paths.Logs,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}
