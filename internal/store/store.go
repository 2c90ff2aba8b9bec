// Package store persists runtime state as three YAML documents under one
// directory: sources.yaml (the ordered marketplace list), installed.yaml
// (the install registry), and photons.yaml (per-photon saved configuration
// and metadata overrides).
//
// Writes are atomic via temp file + rename. Reads tolerate missing files and
// preserve unknown keys on round-trip, so documents written by a newer
// release survive edits by an older one.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/photonmcp/photon/pkg/photon"
)

const (
	sourcesFile   = "sources.yaml"
	installedFile = "installed.yaml"
	photonsFile   = "photons.yaml"
)

// Source is one configured marketplace, in list order.
type Source struct {
	Name    string `yaml:"name"`
	Origin  string `yaml:"origin"`
	Enabled bool   `yaml:"enabled"`

	// Manifest is the cached listing from the last fetch, if any.
	Manifest  *Manifest `yaml:"manifest,omitempty"`
	FetchedAt time.Time `yaml:"fetchedAt,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// Manifest is a source's declarative photon listing.
type Manifest struct {
	Photons []ManifestEntry `yaml:"photons"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// ManifestEntry describes one installable photon offered by a source.
type ManifestEntry struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description,omitempty"`
	SourcePath  string   `yaml:"sourcePath"`
	ContentHash string   `yaml:"contentHash"`
	Assets      []string `yaml:"assets,omitempty"`
	Author      string   `yaml:"author,omitempty"`
	License     string   `yaml:"license,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// InstallRecord ties an installed photon to its source and version. A photon
// is installed from at most one source at a time; reinstalling overwrites.
type InstallRecord struct {
	PhotonName        string    `yaml:"photonName"`
	SourceMarketplace string    `yaml:"sourceMarketplace"`
	InstalledVersion  string    `yaml:"installedVersion"`
	InstalledAt       time.Time `yaml:"installedAt"`
	ContentHash       string    `yaml:"contentHash"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// PhotonSettings is the per-photon saved state: the last-known configuration
// record and any metadata overrides applied after load.
type PhotonSettings struct {
	Name      string                    `yaml:"name"`
	Config    map[string]string         `yaml:"config,omitempty"`
	Overrides *photon.MetadataOverrides `yaml:"overrides,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

type sourcesDoc struct {
	Sources []Source             `yaml:"sources"`
	Extra   map[string]yaml.Node `yaml:",inline"`
}

type installedDoc struct {
	Installed []InstallRecord      `yaml:"installed"`
	Extra     map[string]yaml.Node `yaml:",inline"`
}

type photonsDoc struct {
	Photons []PhotonSettings     `yaml:"photons"`
	Extra   map[string]yaml.Node `yaml:",inline"`
}

// Store reads and writes the three documents. Safe for concurrent use within
// one process; cross-process writers race at file granularity, which the
// atomic rename keeps consistent.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir returns the per-user store directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve user config dir: %w", err)
	}
	return filepath.Join(base, "photon"), nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Sources returns the ordered marketplace list.
func (s *Store) Sources() ([]Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc sourcesDoc
	if err := s.read(sourcesFile, &doc); err != nil {
		return nil, err
	}
	return doc.Sources, nil
}

// SaveSources replaces the marketplace list, keeping any unknown top-level
// keys from the previous document.
func (s *Store) SaveSources(list []Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc sourcesDoc
	if err := s.read(sourcesFile, &doc); err != nil {
		return err
	}
	doc.Sources = list
	return s.write(sourcesFile, &doc)
}

// Installed returns the install registry.
func (s *Store) Installed() ([]InstallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc installedDoc
	if err := s.read(installedFile, &doc); err != nil {
		return nil, err
	}
	return doc.Installed, nil
}

// InstallRecordFor returns the record for a photon name, or nil.
func (s *Store) InstallRecordFor(name string) (*InstallRecord, error) {
	records, err := s.Installed()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].PhotonName == name {
			return &records[i], nil
		}
	}
	return nil, nil
}

// PutInstallRecord upserts one install record keyed by photon name.
func (s *Store) PutInstallRecord(rec InstallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc installedDoc
	if err := s.read(installedFile, &doc); err != nil {
		return err
	}
	replaced := false
	for i := range doc.Installed {
		if doc.Installed[i].PhotonName == rec.PhotonName {
			doc.Installed[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Installed = append(doc.Installed, rec)
	}
	return s.write(installedFile, &doc)
}

// RemoveInstallRecord drops the record for a photon name, if present.
func (s *Store) RemoveInstallRecord(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc installedDoc
	if err := s.read(installedFile, &doc); err != nil {
		return err
	}
	kept := doc.Installed[:0]
	for _, rec := range doc.Installed {
		if rec.PhotonName != name {
			kept = append(kept, rec)
		}
	}
	doc.Installed = kept
	return s.write(installedFile, &doc)
}

// PhotonSettingsFor returns the saved settings for a photon name, or nil.
func (s *Store) PhotonSettingsFor(name string) (*PhotonSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc photonsDoc
	if err := s.read(photonsFile, &doc); err != nil {
		return nil, err
	}
	for i := range doc.Photons {
		if doc.Photons[i].Name == name {
			return &doc.Photons[i], nil
		}
	}
	return nil, nil
}

// PutPhotonSettings upserts one photon's saved settings.
func (s *Store) PutPhotonSettings(ps PhotonSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc photonsDoc
	if err := s.read(photonsFile, &doc); err != nil {
		return err
	}
	replaced := false
	for i := range doc.Photons {
		if doc.Photons[i].Name == ps.Name {
			doc.Photons[i] = ps
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Photons = append(doc.Photons, ps)
	}
	return s.write(photonsFile, &doc)
}

// ConfigRecord adapts saved settings to the loader's lookup shape. Errors
// and absent settings both yield nil, which the loader treats as "nothing
// saved".
func (s *Store) ConfigRecord(name string) photon.ConfigRecord {
	ps, err := s.PhotonSettingsFor(name)
	if err != nil || ps == nil || ps.Config == nil {
		return nil
	}
	return photon.ConfigRecord(ps.Config).Clone()
}

// Overrides adapts saved settings to the loader's overrides lookup.
func (s *Store) Overrides(name string) *photon.MetadataOverrides {
	ps, err := s.PhotonSettingsFor(name)
	if err != nil || ps == nil {
		return nil
	}
	return ps.Overrides
}

// read unmarshals one document; a missing file yields the zero document.
func (s *Store) read(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: parse %s: %w", name, err)
	}
	return nil
}

// write marshals and atomically replaces one document.
func (s *Store) write(name string, doc any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("store: temp file for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: replace %s: %w", name, err)
	}
	return nil
}
