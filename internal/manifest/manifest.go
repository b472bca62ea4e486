package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the install-time asset set for one cache version.
type Manifest struct {
	Cache   Identifier
	Assets  []string
	Exclude []string
}

// fileFormat mirrors the YAML document shipped with each deployment:
//
//	cache: yahtzee-scorekeeper-v1.6
//	assets:
//	  - ./index.html
//	exclude:
//	  - firebase
type fileFormat struct {
	Cache   string   `yaml:"cache"`
	Assets  []string `yaml:"assets"`
	Exclude []string `yaml:"exclude"`
}

// Default returns the built-in manifest used when no file is configured.
func Default() *Manifest {
	return &Manifest{
		Cache: Identifier("yahtzee-scorekeeper-v1.6"),
		Assets: []string{
			"./index.html",
			"./manifest.json",
			"./icons/icon-192x192.png",
			"./icons/icon-512x512.png",
		},
		Exclude: []string{"firebase", "d3"},
	}
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML manifest document.
func Parse(raw []byte) (*Manifest, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	id, err := ParseIdentifier(doc.Cache)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		Cache:   id,
		Assets:  doc.Assets,
		Exclude: doc.Exclude,
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	return m, nil
}

// Normalize validates assets, drops duplicates (first occurrence wins) and
// trims blank exclusion markers.
func (m *Manifest) Normalize() error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	if _, err := ParseIdentifier(string(m.Cache)); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(m.Assets))
	assets := make([]string, 0, len(m.Assets))
	for i, raw := range m.Assets {
		asset := strings.TrimSpace(raw)
		if asset == "" {
			return fmt.Errorf("assets[%d]: empty path", i)
		}
		u, err := url.Parse(asset)
		if err != nil {
			return fmt.Errorf("assets[%d]: %w", i, err)
		}
		if u.Scheme != "" || u.Host != "" {
			return fmt.Errorf("assets[%d]: %q must be a same-origin relative path", i, asset)
		}
		if _, dup := seen[asset]; dup {
			continue
		}
		seen[asset] = struct{}{}
		assets = append(assets, asset)
	}
	if len(assets) == 0 {
		return errors.New("manifest lists no assets")
	}
	m.Assets = assets

	markers := make([]string, 0, len(m.Exclude))
	for _, marker := range m.Exclude {
		if marker = strings.TrimSpace(marker); marker != "" {
			markers = append(markers, marker)
		}
	}
	m.Exclude = markers
	return nil
}

// WithExtraExclusions returns a copy whose exclusion markers also include extra.
func (m *Manifest) WithExtraExclusions(extra []string) *Manifest {
	out := *m
	out.Assets = append([]string(nil), m.Assets...)
	out.Exclude = append([]string(nil), m.Exclude...)
	for _, marker := range extra {
		marker = strings.TrimSpace(marker)
		if marker == "" || containsString(out.Exclude, marker) {
			continue
		}
		out.Exclude = append(out.Exclude, marker)
	}
	return &out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
