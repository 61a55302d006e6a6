package config

import (
	"os"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

// ZoneManifest describes one zone known to the host.
type ZoneManifest struct {
	// ID is the stable zone name, unique per host.
	ID string `yaml:"id"`
	// Privilege orders zones; lower values are more privileged.
	Privilege int `yaml:"privilege"`
	// Rootfs is the zone root filesystem path on the host.
	Rootfs string `yaml:"rootfs"`
}

// Manifests is the on-disk zone inventory.
type Manifests struct {
	// Default names the zone brought to the foreground on startup. Empty
	// selects the most privileged zone.
	Default string         `yaml:"default,omitempty"`
	Zones   []ZoneManifest `yaml:"zones"`
}

// LoadManifests reads and validates the zone inventory at path.
func LoadManifests(path string) (*Manifests, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifests")
	}
	var m Manifests
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parse manifests")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the inventory back to path.
func (m *Manifests) Save(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode manifests")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write manifests")
	}
	return nil
}

// Validate checks manifest consistency.
func (m *Manifests) Validate() error {
	seen := make(map[string]struct{}, len(m.Zones))
	for i := range m.Zones {
		z := &m.Zones[i]
		if z.ID == "" {
			return errors.New("zone with empty id")
		}
		if _, ok := seen[z.ID]; ok {
			return errors.Errorf("duplicate zone id %q", z.ID)
		}
		seen[z.ID] = struct{}{}
	}
	if m.Default != "" {
		if _, ok := seen[m.Default]; !ok {
			return errors.Errorf("default zone %q not declared", m.Default)
		}
	}
	return nil
}

// Lookup returns the manifest for id, or nil.
func (m *Manifests) Lookup(id string) *ZoneManifest {
	for i := range m.Zones {
		if m.Zones[i].ID == id {
			return &m.Zones[i]
		}
	}
	return nil
}
