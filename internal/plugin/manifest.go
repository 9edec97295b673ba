// Package plugin describes installed UI plugins: their manifests, the
// descriptors the loader resolves them from, and the window contract a
// plugin entrypoint exports.
package plugin

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name        string     `yaml:"name" jsonschema:"minLength=1,maxLength=64,pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$"`
	Version     string     `yaml:"version" jsonschema:"minLength=1"`
	Description string     `yaml:"description,omitempty"`
	Host        string     `yaml:"host,omitempty"`
	Integrity   string     `yaml:"integrity,omitempty" jsonschema:"pattern=^sha(256|384|512)-"`
	Dev         *DevConfig `yaml:"dev,omitempty"`
	Schemas     []Schema   `yaml:"schemas,omitempty"`
}

// DevConfig holds dev-mode settings: the port of the plugin's local dev
// server and the paths that trigger a reload when they change.
type DevConfig struct {
	Port  int      `yaml:"port" jsonschema:"minimum=1,maximum=65535"`
	Watch []string `yaml:"watch,omitempty"`
}

// Schema is an editor schema the plugin contributes statically.
type Schema struct {
	ResourceKey string   `yaml:"resource-key" jsonschema:"minLength=1"`
	URI         string   `yaml:"uri" jsonschema:"minLength=1"`
	FileMatch   []string `yaml:"file-match,omitempty"`
	File        string   `yaml:"file,omitempty"`
	URL         string   `yaml:"url,omitempty"`
	Language    string   `yaml:"language" jsonschema:"enum=yaml,enum=json"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

func manifestError() oops.OopsErrorBuilder {
	return oops.In("plugin").Code("MANIFEST_INVALID")
}

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, manifestError().Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, manifestError().Wrapf(err, "invalid YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return manifestError().With("name", m.Name).
			Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return manifestError().Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return manifestError().With("plugin", m.Name).Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return manifestError().With("plugin", m.Name).With("version", m.Version).Wrapf(err, "version is not semver")
	}

	if m.Host != "" {
		if _, err := semver.NewConstraint(m.Host); err != nil {
			return manifestError().With("plugin", m.Name).With("host", m.Host).Wrapf(err, "host constraint is invalid")
		}
	}

	if m.Integrity != "" && !strings.Contains(m.Integrity, "-") {
		return manifestError().With("plugin", m.Name).Errorf("integrity must be <algorithm>-<digest>")
	}

	if m.Dev != nil && (m.Dev.Port < 1 || m.Dev.Port > 65535) {
		return manifestError().With("plugin", m.Name).With("port", m.Dev.Port).Errorf("dev.port must be between 1 and 65535")
	}

	for i, s := range m.Schemas {
		if s.ResourceKey == "" || s.URI == "" {
			return manifestError().With("plugin", m.Name).With("schema", i).Errorf("schemas[%d] needs resource-key and uri", i)
		}
		if s.Language != "yaml" && s.Language != "json" {
			return manifestError().With("plugin", m.Name).With("schema", i).Errorf("schemas[%d].language must be 'yaml' or 'json', got %q", i, s.Language)
		}
		if s.File == "" && s.URL == "" {
			return manifestError().With("plugin", m.Name).With("schema", i).Errorf("schemas[%d] needs file or url", i)
		}
	}

	return nil
}

// CompatibleWith reports whether the manifest's host constraint admits the
// given host version. A manifest without a constraint is compatible with any
// host.
func (m *Manifest) CompatibleWith(hostVersion *semver.Version) bool {
	if m.Host == "" || hostVersion == nil {
		return true
	}
	c, err := semver.NewConstraint(m.Host)
	if err != nil {
		return false
	}
	return c.Check(hostVersion)
}
