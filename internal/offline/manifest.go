package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifest is the on-disk description of an asset version.
type Manifest struct {
	Version string   `json:"version" toml:"version"`
	Assets  []string `json:"assets" toml:"assets"`
}

// LoadManifest reads a JSON or TOML manifest, chosen by extension.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
	} else if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest %s has no version", path)
	}
	return &m, nil
}

// Apply returns base with the manifest's version and assets.
func (m *Manifest) Apply(base Config) Config {
	base.Version = m.Version
	if len(m.Assets) > 0 {
		base.Assets = append([]string(nil), m.Assets...)
	}
	return base
}
