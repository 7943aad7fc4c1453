package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML document describing a whole policy set.
type Seed struct {
	Roles    []*Role             `yaml:"roles"`
	Groups   []*PermissionGroup  `yaml:"groups"`
	Users    []*UserPermissions  `yaml:"users"`
	Policies []*DataAccessPolicy `yaml:"policies"`
}

// LoadSeedFile reads and validates a YAML seed file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *Seed) Validate() error {
	for _, r := range s.Roles {
		if err := ValidateRole(r); err != nil {
			return err
		}
	}
	for _, g := range s.Groups {
		if err := ValidateGroup(g); err != nil {
			return err
		}
	}
	for _, u := range s.Users {
		if err := ValidateUser(u); err != nil {
			return err
		}
	}
	for _, p := range s.Policies {
		if err := ValidatePolicy(p); err != nil {
			return err
		}
	}
	return nil
}

// Apply replaces the registry contents with the seed.
func (s *Seed) Apply(reg *Registry) {
	reg.Load(s.Roles, s.Groups, s.Users, s.Policies)
}

// SeedFromSnapshot captures a snapshot as a Seed for export.
func SeedFromSnapshot(snap *Snapshot) *Seed {
	return &Seed{
		Roles:    snap.Roles(),
		Groups:   snap.Groups(),
		Users:    snap.Users(),
		Policies: snap.Policies(),
	}
}

// Encode renders the seed as YAML.
func (s *Seed) Encode() ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode seed: %w", err)
	}
	return out, nil
}
