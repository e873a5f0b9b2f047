/*
 * @Author: CALM.WU
 * @Date: 2024-03-05 14:27:18
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-07 11:02:53
 */

package offsets

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const DefaultProfileName = "default"

// Profile binds a calibration table to the kernel builds it was measured on.
type Profile struct {
	Name string
	// Releases are path.Match patterns tested against the uname release.
	Releases []string
	Table    Table
}

// Matches reports whether release is covered by one of the profile patterns.
func (p *Profile) Matches(release string) bool {
	for _, pattern := range p.Releases {
		if ok, err := path.Match(pattern, release); err == nil && ok {
			return true
		}
	}
	return false
}

// Registry is an ordered set of profiles. The built-in default profile always
// exists and is the fallback when nothing matches.
type Registry struct {
	profiles []*Profile
	fallback *Profile
}

func NewRegistry() *Registry {
	return &Registry{
		fallback: &Profile{Name: DefaultProfileName, Table: Default()},
	}
}

// Add appends p; it is consulted in insertion order.
func (r *Registry) Add(p *Profile) error {
	if p == nil || p.Name == "" {
		return errors.New("profile without name")
	}
	if _, ok := r.Lookup(p.Name); ok {
		return errors.Errorf("profile '%s' already registered", p.Name)
	}
	if err := p.Table.Validate(); err != nil {
		return errors.Wrapf(err, "profile '%s'", p.Name)
	}
	r.profiles = append(r.profiles, p)
	return nil
}

func (r *Registry) Lookup(name string) (*Profile, bool) {
	if name == DefaultProfileName {
		return r.fallback, true
	}
	return lo.Find(r.profiles, func(p *Profile) bool { return p.Name == name })
}

// Names lists registered profile names, default last.
func (r *Registry) Names() []string {
	names := lo.Map(r.profiles, func(p *Profile, _ int) string { return p.Name })
	return append(names, DefaultProfileName)
}

// Select picks the profile named name, or when name is empty the first one
// matching release, or the default.
func (r *Registry) Select(name, release string) (*Profile, error) {
	if name != "" {
		p, ok := r.Lookup(name)
		if !ok {
			return nil, errors.Errorf("calibration profile '%s' not found, have %v", name, r.Names())
		}
		return p, nil
	}

	if p, ok := lo.Find(r.profiles, func(p *Profile) bool { return p.Matches(release) }); ok {
		glog.Infof("kernel release '%s' matched calibration profile '%s'", release, p.Name)
		return p, nil
	}

	glog.Warningf("no calibration profile matches kernel release '%s', using '%s'", release, DefaultProfileName)
	return r.fallback, nil
}

type profileFile struct {
	Profiles []profileDoc `yaml:"profiles"`
}

type profileDoc struct {
	Name         string             `yaml:"name"`
	Releases     []string           `yaml:"releases"`
	Offsets      map[string][]int32 `yaml:"offsets"`
	DentryParent *int32             `yaml:"dentry_parent"`
	DentryName   *int32             `yaml:"dentry_name"`
}

func (d *profileDoc) toProfile() (*Profile, error) {
	p := &Profile{
		Name:     strings.TrimSpace(d.Name),
		Releases: d.Releases,
	}

	named := p.Table.NamedChains()
	known := lo.Map(named, func(nc NamedChain, _ int) string { return nc.Name })
	if unknown := lo.Without(lo.Keys(d.Offsets), known...); len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errors.Errorf("profile '%s' has unknown offset chains %v, known %v", p.Name, unknown, known)
	}

	for _, nc := range named {
		steps, ok := d.Offsets[nc.Name]
		if !ok {
			return nil, errors.Errorf("profile '%s' misses offset chain '%s'", p.Name, nc.Name)
		}
		c, err := NewChain(steps...)
		if err != nil {
			return nil, errors.Wrapf(err, "profile '%s' chain '%s'", p.Name, nc.Name)
		}
		*nc.Chain = c
	}

	if d.DentryParent == nil || d.DentryName == nil {
		return nil, errors.Errorf("profile '%s' misses dentry_parent or dentry_name", p.Name)
	}
	p.Table.DentryParent = *d.DentryParent
	p.Table.DentryName = *d.DentryName

	return p, nil
}

// LoadProfiles reads calibration profiles from a YAML file.
func LoadProfiles(file string) ([]*Profile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "read profile file %s", file)
	}

	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrapf(err, "parse profile file %s", file)
	}

	profiles := make([]*Profile, 0, len(pf.Profiles))
	for i := range pf.Profiles {
		p, err := pf.Profiles[i].toProfile()
		if err != nil {
			return nil, errors.Wrapf(err, "profile file %s", file)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// LoadRegistry returns a registry with the default profile plus the profiles
// found in file. An empty file name yields only the default.
func LoadRegistry(file string) (*Registry, error) {
	r := NewRegistry()
	if file == "" {
		return r, nil
	}

	profiles, err := LoadProfiles(file)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if err := r.Add(p); err != nil {
			return nil, errors.Wrapf(err, "profile file %s", file)
		}
	}
	glog.Infof("loaded %d calibration profiles from %s", len(profiles), file)
	return r, nil
}
