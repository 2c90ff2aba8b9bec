package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/mod/semver"

	"github.com/photonmcp/photon/internal/store"
	"github.com/photonmcp/photon/pkg/photon"
)

// UpdateInfo is the upgrade status of one installed photon.
type UpdateInfo struct {
	Name             string
	Source           string
	InstalledVersion string
	RemoteVersion    string
	HasUpdate        bool

	// LocallyModified is set when the on-disk file no longer hashes to
	// the install record. Upgrade refuses such photons unless forced.
	LocallyModified bool
}

// CheckUpdates compares every install record against the newest version its
// source currently offers. dir is where installed photon files live.
func (m *Manager) CheckUpdates(ctx context.Context, dir string) ([]UpdateInfo, error) {
	if err := m.Refresh(ctx, false); err != nil {
		slog.Warn("update check using cached manifests", "err", err)
	}

	records, err := m.store.Installed()
	if err != nil {
		return nil, err
	}
	sources, err := m.store.Sources()
	if err != nil {
		return nil, err
	}
	manifests := map[string]*store.Manifest{}
	for _, src := range sources {
		manifests[src.Name] = src.Manifest
	}

	out := make([]UpdateInfo, 0, len(records))
	for _, rec := range records {
		info := UpdateInfo{
			Name:             rec.PhotonName,
			Source:           rec.SourceMarketplace,
			InstalledVersion: rec.InstalledVersion,
			LocallyModified:  m.locallyModified(dir, rec),
		}
		if entry := newestEntry(manifests[rec.SourceMarketplace], rec.PhotonName); entry != nil {
			info.RemoteVersion = entry.Version
			info.HasUpdate = semver.Compare(canonical(entry.Version), canonical(rec.InstalledVersion)) > 0
		}
		out = append(out, info)
	}
	return out, nil
}

// LocallyModified reports whether the installed file for name diverged from
// its install record.
func (m *Manager) LocallyModified(dir, name string) (bool, error) {
	rec, err := m.store.InstallRecordFor(name)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, photon.Errorf(photon.KindNotFound, "%q is not installed", name)
	}
	return m.locallyModified(dir, *rec), nil
}

func (m *Manager) locallyModified(dir string, rec store.InstallRecord) bool {
	data, err := os.ReadFile(filepath.Join(dir, rec.PhotonName+".go"))
	if err != nil {
		// A missing file has no local edits to preserve.
		return false
	}
	return photon.HashBytes(data) != rec.ContentHash
}

// Upgrade reinstalls name from its recorded source at the newest offered
// version. Locally modified photons are refused unless force is set; the
// file and the install record are replaced together.
func (m *Manager) Upgrade(ctx context.Context, dir, name string, force bool) (*Installed, error) {
	rec, err := m.store.InstallRecordFor(name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, photon.Errorf(photon.KindNotFound, "%q is not installed", name)
	}

	if !force && m.locallyModified(dir, *rec) {
		return nil, fmt.Errorf("marketplace: %s was modified locally; upgrade with force to overwrite", name)
	}

	if err := m.Refresh(ctx, false); err != nil {
		slog.Warn("upgrade using cached manifests", "err", err)
	}
	sources, err := m.store.Sources()
	if err != nil {
		return nil, err
	}
	var entry *store.ManifestEntry
	for _, src := range sources {
		if src.Name == rec.SourceMarketplace {
			entry = newestEntry(src.Manifest, name)
			break
		}
	}
	if entry == nil {
		return nil, photon.Errorf(photon.KindNotFound,
			"source %s no longer offers %q", rec.SourceMarketplace, name)
	}

	return m.install(ctx, Candidate{Source: rec.SourceMarketplace, Entry: *entry}, dir)
}

// newestEntry picks the highest-versioned manifest entry for name.
func newestEntry(mf *store.Manifest, name string) *store.ManifestEntry {
	if mf == nil {
		return nil
	}
	var best *store.ManifestEntry
	for i := range mf.Photons {
		entry := &mf.Photons[i]
		if entry.Name != name {
			continue
		}
		if best == nil || semver.Compare(canonical(entry.Version), canonical(best.Version)) > 0 {
			best = entry
		}
	}
	return best
}
