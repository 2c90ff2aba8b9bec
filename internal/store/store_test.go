package store_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/photonmcp/photon/internal/store"
	"github.com/photonmcp/photon/pkg/photon"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir())
}

func TestMissingFilesYieldEmptyDefaults(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	sources, err := s.Sources()
	if err != nil {
		t.Fatalf("Sources on empty store: %v", err)
	}
	if len(sources) != 0 {
		t.Errorf("sources = %v, want none", sources)
	}

	installed, err := s.Installed()
	if err != nil {
		t.Fatalf("Installed on empty store: %v", err)
	}
	if len(installed) != 0 {
		t.Errorf("installed = %v, want none", installed)
	}

	if rec := s.ConfigRecord("demo"); rec != nil {
		t.Errorf("config record = %v, want nil", rec)
	}
}

func TestSourcesRoundTripPreservesOrder(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	want := []store.Source{
		{Name: "zeta", Origin: "zorg/photons", Enabled: true},
		{Name: "alpha", Origin: "https://example.com/photons.yaml", Enabled: false},
	}
	if err := s.SaveSources(want); err != nil {
		t.Fatalf("SaveSources: %v", err)
	}

	got, err := s.Sources()
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	if len(got) != 2 || got[0].Name != "zeta" || got[1].Name != "alpha" {
		t.Errorf("order not preserved: %v", got)
	}
	if got[1].Origin != "https://example.com/photons.yaml" {
		t.Errorf("origin = %q", got[1].Origin)
	}
}

func TestSourcesKeepCachedManifest(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	fetched := time.Now().UTC().Truncate(time.Second)
	src := store.Source{
		Name:    "main",
		Origin:  "acme/photons",
		Enabled: true,
		Manifest: &store.Manifest{
			Photons: []store.ManifestEntry{{
				Name:        "weather",
				Version:     "1.2.0",
				SourcePath:  "photons/weather.go",
				ContentHash: "sha256:abc",
			}},
		},
		FetchedAt: fetched,
	}
	if err := s.SaveSources([]store.Source{src}); err != nil {
		t.Fatalf("SaveSources: %v", err)
	}

	got, err := s.Sources()
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	if got[0].Manifest == nil || len(got[0].Manifest.Photons) != 1 {
		t.Fatalf("manifest lost: %+v", got[0])
	}
	entry := got[0].Manifest.Photons[0]
	if entry.Name != "weather" || entry.ContentHash != "sha256:abc" {
		t.Errorf("entry = %+v", entry)
	}
	if !got[0].FetchedAt.Equal(fetched) {
		t.Errorf("fetchedAt = %v, want %v", got[0].FetchedAt, fetched)
	}
}

func TestInstallRecordUpsert(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	first := store.InstallRecord{
		PhotonName:        "weather",
		SourceMarketplace: "main",
		InstalledVersion:  "1.0.0",
		InstalledAt:       time.Now().UTC(),
		ContentHash:       "sha256:old",
	}
	if err := s.PutInstallRecord(first); err != nil {
		t.Fatalf("PutInstallRecord: %v", err)
	}

	second := first
	second.InstalledVersion = "1.2.0"
	second.ContentHash = "sha256:new"
	if err := s.PutInstallRecord(second); err != nil {
		t.Fatalf("PutInstallRecord upsert: %v", err)
	}

	records, err := s.Installed()
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (reinstall overwrites)", len(records))
	}
	if records[0].InstalledVersion != "1.2.0" || records[0].ContentHash != "sha256:new" {
		t.Errorf("record = %+v", records[0])
	}

	rec, err := s.InstallRecordFor("weather")
	if err != nil || rec == nil {
		t.Fatalf("InstallRecordFor: rec=%v err=%v", rec, err)
	}
	if err := s.RemoveInstallRecord("weather"); err != nil {
		t.Fatalf("RemoveInstallRecord: %v", err)
	}
	if rec, _ := s.InstallRecordFor("weather"); rec != nil {
		t.Errorf("record survived removal: %+v", rec)
	}
}

func TestPhotonSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	ps := store.PhotonSettings{
		Name:   "weather",
		Config: map[string]string{"WEATHER_API_KEY": "secret"},
		Overrides: &photon.MetadataOverrides{
			Description: "Forecasts, renamed",
			Methods: map[string]photon.MethodOverride{
				"Forecast": {Description: "Seven day forecast"},
			},
		},
	}
	if err := s.PutPhotonSettings(ps); err != nil {
		t.Fatalf("PutPhotonSettings: %v", err)
	}

	rec := s.ConfigRecord("weather")
	if rec["WEATHER_API_KEY"] != "secret" {
		t.Errorf("config record = %v", rec)
	}

	ov := s.Overrides("weather")
	if ov == nil || ov.Description != "Forecasts, renamed" {
		t.Fatalf("overrides = %+v", ov)
	}
	if ov.Methods["Forecast"].Description != "Seven day forecast" {
		t.Errorf("method override = %+v", ov.Methods)
	}
}

func TestUnknownKeysSurviveRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "installed.yaml")

	// A document written by a newer release with keys we do not model.
	doc := `installed:
    - photonName: weather
      sourceMarketplace: main
      installedVersion: 1.0.0
      installedAt: 2026-08-01T00:00:00Z
      contentHash: sha256:abc
      signature: deadbeef
futureSection:
    retention: 30d
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s := store.New(dir)
	if err := s.PutInstallRecord(store.InstallRecord{
		PhotonName:        "notes",
		SourceMarketplace: "main",
		InstalledVersion:  "0.1.0",
		InstalledAt:       time.Now().UTC(),
		ContentHash:       "sha256:def",
	}); err != nil {
		t.Fatalf("PutInstallRecord: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"signature: deadbeef", "futureSection", "retention: 30d"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("unknown key %q dropped on round-trip:\n%s", want, data)
		}
	}
}

func TestWriteIsAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := store.New(dir)

	if err := s.SaveSources([]store.Source{{Name: "main", Origin: "a/b", Enabled: true}}); err != nil {
		t.Fatalf("SaveSources: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".sources.yaml-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
