package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/validate"
)

type Kind string

const (
	KindPlugin Kind = "Plugin"

	// APIVersion is the manifest schema version written by the tooling.
	APIVersion = "habitvault.io/v1"

	manifestYAML = "plugin.yaml"
	manifestYML  = "plugin.yml"
	manifestJSON = "plugin.json"
)

type Metadata struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author"`
	Description string `yaml:"description"`
}

type Manifest struct {
	Dir        string
	File       string
	Raw        string
	APIVersion string
	Kind       Kind
	Metadata   Metadata
	Trust      TrustLevel
	Security   SecurityManifest
}

// ID returns the plugin identifier.
func (m *Manifest) ID() string {
	return m.Metadata.ID
}

// DisplayName returns the human name, falling back to the id.
func (m *Manifest) DisplayName() string {
	if m.Metadata.Name != "" {
		return m.Metadata.Name
	}
	return m.Metadata.ID
}

// DiscoveryWarning represents a skipped plugin during discovery.
type DiscoveryWarning struct {
	Dir string
	Err error
}

type retentionDoc struct {
	Policy string `yaml:"policy"`
	Days   int    `yaml:"days"`
}

type securityDoc struct {
	Capabilities []string     `yaml:"capabilities"`
	Sensitivity  string       `yaml:"sensitivity"`
	AccessScope  string       `yaml:"accessScope"`
	Retention    retentionDoc `yaml:"retention"`
	Privacy      string       `yaml:"privacy"`
}

// Parse decodes a manifest from the provided raw bytes without requiring a backing directory.
func Parse(data []byte) (*Manifest, error) {
	return decodeManifest(data, "", "")
}

// New builds a manifest in code, applying the same validation as Parse.
func New(meta Metadata, trust TrustLevel, security SecurityManifest) (*Manifest, error) {
	meta.ID = strings.TrimSpace(meta.ID)
	if !validate.Ident(meta.ID) {
		return nil, &authz.ConfigurationError{PluginID: meta.ID, Field: "metadata.id", Reason: "invalid plugin id"}
	}
	return &Manifest{
		APIVersion: APIVersion,
		Kind:       KindPlugin,
		Metadata:   meta,
		Trust:      trust,
		Security:   security,
	}, nil
}

// Discover scans the plugin directory and returns valid manifests.
// Invalid manifests are logged and skipped. For detailed error reporting,
// use DiscoverWithWarnings instead.
func Discover(root string) ([]*Manifest, error) {
	manifests, _ := DiscoverWithWarnings(root)
	return manifests, nil
}

// DiscoverWithWarnings scans root/<plugin>/plugin.yaml and returns both valid
// manifests and warnings about skipped plugins.
func DiscoverWithWarnings(root string) ([]*Manifest, []DiscoveryWarning) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, []DiscoveryWarning{{Dir: root, Err: fmt.Errorf("read plugin root: %w", err)}}
	}

	var manifests []*Manifest
	var warnings []DiscoveryWarning
	seen := make(map[string]string)

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())

		manifest, err := LoadFromDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			warnings = append(warnings, DiscoveryWarning{Dir: dir, Err: err})
			log.Printf("[PluginManifest] skipping %s: %v", dir, err)
			continue
		}

		if prev, dup := seen[manifest.ID()]; dup {
			err := &authz.ConfigurationError{PluginID: manifest.ID(), Field: "metadata.id", Reason: fmt.Sprintf("duplicate id, already declared in %s", prev)}
			warnings = append(warnings, DiscoveryWarning{Dir: dir, Err: err})
			log.Printf("[PluginManifest] skipping %s: %v", dir, err)
			continue
		}
		seen[manifest.ID()] = dir
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ID() < manifests[j].ID()
	})
	return manifests, warnings
}

func LoadFromDir(dir string) (*Manifest, error) {
	file, err := locateManifestFile(dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", file, err)
	}

	return decodeManifest(data, dir, file)
}

func decodeManifest(data []byte, dir, file string) (*Manifest, error) {
	var doc struct {
		APIVersion string      `yaml:"apiVersion"`
		Kind       string      `yaml:"kind"`
		Metadata   Metadata    `yaml:"metadata"`
		Trust      string      `yaml:"trust"`
		Security   securityDoc `yaml:"security"`
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &authz.ConfigurationError{Reason: fmt.Sprintf("parse manifest %s: %v", file, err)}
	}

	id := strings.TrimSpace(doc.Metadata.ID)
	fail := func(field, reason string) error {
		return &authz.ConfigurationError{PluginID: id, Field: field, Reason: reason}
	}

	rawKind := strings.TrimSpace(doc.Kind)
	if rawKind == "" {
		rawKind = string(KindPlugin)
	}
	if Kind(rawKind) != KindPlugin {
		return nil, fail("kind", fmt.Sprintf("unsupported manifest kind %q", rawKind))
	}
	if !validate.Ident(id) {
		return nil, fail("metadata.id", fmt.Sprintf("invalid plugin id %q", doc.Metadata.ID))
	}

	trust, err := ParseTrustLevel(doc.Trust)
	if err != nil {
		return nil, fail("trust", err.Error())
	}
	caps, err := capability.ParseList(doc.Security.Capabilities)
	if err != nil {
		return nil, fail("security.capabilities", err.Error())
	}
	sensitivity, err := ParseSensitivity(doc.Security.Sensitivity)
	if err != nil {
		return nil, fail("security.sensitivity", err.Error())
	}
	scope, err := ParseAccessScope(doc.Security.AccessScope)
	if err != nil {
		return nil, fail("security.accessScope", err.Error())
	}
	retention := RetentionPolicy{
		Kind: RetentionKind(strings.ToLower(strings.TrimSpace(doc.Security.Retention.Policy))),
		Days: doc.Security.Retention.Days,
	}

	security, err := NewSecurityManifest(caps, sensitivity, scope, retention, doc.Security.Privacy)
	if err != nil {
		var cfgErr *authz.ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.PluginID = id
		}
		return nil, err
	}

	meta := doc.Metadata
	meta.ID = id
	meta.Name = strings.TrimSpace(meta.Name)

	return &Manifest{
		Dir:        dir,
		File:       file,
		Raw:        string(data),
		APIVersion: strings.TrimSpace(doc.APIVersion),
		Kind:       KindPlugin,
		Metadata:   meta,
		Trust:      trust,
		Security:   security,
	}, nil
}

// Marshal renders the manifest back into plugin.yaml form.
func Marshal(m *Manifest) ([]byte, error) {
	doc := map[string]any{
		"apiVersion": APIVersion,
		"kind":       string(KindPlugin),
		"metadata":   m.Metadata,
		"trust":      m.Trust.String(),
		"security": securityDoc{
			Capabilities: m.Security.Requested().Names(),
			Sensitivity:  m.Security.Sensitivity().String(),
			AccessScope:  string(m.Security.Scope()),
			Retention:    retentionDoc{Policy: string(m.Security.Retention().Kind), Days: m.Security.Retention().Days},
			Privacy:      m.Security.Privacy(),
		},
	}
	return yaml.Marshal(doc)
}

func locateManifestFile(dir string) (string, error) {
	candidates := []string{
		filepath.Join(dir, manifestYAML),
		filepath.Join(dir, manifestYML),
		filepath.Join(dir, manifestJSON),
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("stat manifest %s: %w", candidate, err)
		}
		if info.IsDir() {
			continue
		}
		return candidate, nil
	}

	return "", fs.ErrNotExist
}
