package marketplace_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/photonmcp/photon/internal/marketplace"
	"github.com/photonmcp/photon/internal/store"
	"github.com/photonmcp/photon/pkg/photon"
)

const weatherSource = `package main

type Weather struct{}

func (w *Weather) Forecast() (string, error) { return "sunny", nil }
`

const weatherSourceV2 = `package main

type Weather struct{}

func (w *Weather) Forecast() (string, error) { return "sunnier", nil }
`

// fakeSource serves a manifest and its photon files over HTTP.
type fakeSource struct {
	server   *httptest.Server
	requests atomic.Int64
	files    map[string]string
	manifest string
}

func newFakeSource(t *testing.T, entries ...store.ManifestEntry) *fakeSource {
	t.Helper()
	fs := &fakeSource{files: map[string]string{}}

	manifest := "photons:\n"
	for _, e := range entries {
		manifest += fmt.Sprintf(
			"  - name: %s\n    version: %q\n    description: %q\n    sourcePath: %s\n    contentHash: %q\n",
			e.Name, e.Version, e.Description, e.SourcePath, e.ContentHash)
	}
	fs.manifest = manifest

	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		if r.URL.Path == "/photons.yaml" {
			fmt.Fprint(w, fs.manifest)
			return
		}
		content, ok := fs.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, content)
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeSource) origin() string { return fs.server.URL + "/photons.yaml" }

func entryFor(name, version, content string) store.ManifestEntry {
	return store.ManifestEntry{
		Name:        name,
		Version:     version,
		SourcePath:  "photons/" + name + ".go",
		ContentHash: photon.HashBytes([]byte(content)),
	}
}

func newManager(t *testing.T, opts ...marketplace.Option) (*marketplace.Manager, *store.Store) {
	t.Helper()
	st := store.New(t.TempDir())
	return marketplace.New(st, opts...), st
}

func TestInstall_SingleCandidate(t *testing.T) {
	t.Parallel()
	fs := newFakeSource(t, entryFor("weather", "1.0.0", weatherSource))
	fs.files["/photons/weather.go"] = weatherSource

	m, st := newManager(t)
	if err := m.AddSource("main", fs.origin()); err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	dir := t.TempDir()
	got, err := m.Install(context.Background(), "weather", marketplace.InstallOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	data, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatalf("installed file: %v", err)
	}
	if string(data) != weatherSource {
		t.Error("installed content differs from source")
	}

	rec, err := st.InstallRecordFor("weather")
	if err != nil || rec == nil {
		t.Fatalf("install record: rec=%v err=%v", rec, err)
	}
	if rec.SourceMarketplace != "main" || rec.InstalledVersion != "1.0.0" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ContentHash != photon.HashBytes([]byte(weatherSource)) {
		t.Errorf("record hash = %s", rec.ContentHash)
	}
}

func TestInstall_ConflictAndPinning(t *testing.T) {
	t.Parallel()
	x := newFakeSource(t, entryFor("tool-x", "1.0.0", weatherSource))
	x.files["/photons/tool-x.go"] = weatherSource
	y := newFakeSource(t, entryFor("tool-x", "1.1.0", weatherSourceV2))
	y.files["/photons/tool-x.go"] = weatherSourceV2

	m, st := newManager(t)
	if err := m.AddSource("X", x.origin()); err != nil {
		t.Fatal(err)
	}
	if err := m.AddSource("Y", y.origin()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	_, err := m.Install(context.Background(), "tool-x", marketplace.InstallOptions{Dir: dir})
	var conflict *marketplace.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if len(conflict.Resolution.Candidates) != 2 {
		t.Errorf("candidates = %d, want 2", len(conflict.Resolution.Candidates))
	}
	if conflict.Resolution.Recommended.Source != "Y" {
		t.Errorf("recommended = %s, want Y (highest semver)", conflict.Resolution.Recommended.Source)
	}

	// Pinning the lower-versioned source bypasses the conflict.
	got, err := m.Install(context.Background(), "X:tool-x", marketplace.InstallOptions{Dir: dir})
	if err != nil {
		t.Fatalf("pinned install: %v", err)
	}
	if got.Record.SourceMarketplace != "X" || got.Record.InstalledVersion != "1.0.0" {
		t.Errorf("record = %+v", got.Record)
	}

	// Accepting the recommendation overwrites with Y's version.
	got, err = m.Install(context.Background(), "tool-x",
		marketplace.InstallOptions{Dir: dir, AcceptRecommended: true})
	if err != nil {
		t.Fatalf("recommended install: %v", err)
	}
	if got.Record.SourceMarketplace != "Y" {
		t.Errorf("record = %+v", got.Record)
	}
	records, _ := st.Installed()
	if len(records) != 1 {
		t.Errorf("reinstall left %d records, want 1", len(records))
	}
}

func TestInstall_EqualVersionsPreferEarlierSource(t *testing.T) {
	t.Parallel()
	x := newFakeSource(t, entryFor("tool-x", "1.0.0", weatherSource))
	y := newFakeSource(t, entryFor("tool-x", "1.0.0", weatherSourceV2))

	m, _ := newManager(t)
	if err := m.AddSource("X", x.origin()); err != nil {
		t.Fatal(err)
	}
	if err := m.AddSource("Y", y.origin()); err != nil {
		t.Fatal(err)
	}

	res, err := m.Resolve(context.Background(), "tool-x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Recommended.Source != "X" {
		t.Errorf("recommended = %s, want X (earliest listed)", res.Recommended.Source)
	}
}

func TestInstall_IntegrityMismatchWritesNothing(t *testing.T) {
	t.Parallel()
	entry := entryFor("weather", "1.0.0", weatherSource)
	fs := newFakeSource(t, entry)
	// Served content disagrees with the declared hash.
	fs.files["/photons/weather.go"] = weatherSourceV2

	m, st := newManager(t)
	if err := m.AddSource("main", fs.origin()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	_, err := m.Install(context.Background(), "weather", marketplace.InstallOptions{Dir: dir})
	if !photon.IsKind(err, photon.KindIntegrity) {
		t.Fatalf("err = %v, want integrity", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "weather.go")); !os.IsNotExist(err) {
		t.Error("file written despite integrity failure")
	}
	if rec, _ := st.InstallRecordFor("weather"); rec != nil {
		t.Errorf("record written despite integrity failure: %+v", rec)
	}
}

func TestResolve_NotFound(t *testing.T) {
	t.Parallel()
	fs := newFakeSource(t, entryFor("weather", "1.0.0", weatherSource))

	m, _ := newManager(t)
	if err := m.AddSource("main", fs.origin()); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Resolve(context.Background(), "nope"); !photon.IsKind(err, photon.KindNotFound) {
		t.Errorf("bare name: err = %v, want not_found", err)
	}
	if _, err := m.Resolve(context.Background(), "other:weather"); !photon.IsKind(err, photon.KindNotFound) {
		t.Errorf("pinned to unknown source: err = %v, want not_found", err)
	}
}

func TestResolve_PartialSourceFailure(t *testing.T) {
	t.Parallel()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	healthy := newFakeSource(t, entryFor("weather", "1.0.0", weatherSource))

	m, _ := newManager(t)
	if err := m.AddSource("broken", broken.URL+"/photons.yaml"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddSource("healthy", healthy.origin()); err != nil {
		t.Fatal(err)
	}

	res, err := m.Resolve(context.Background(), "weather")
	if err != nil {
		t.Fatalf("resolution should survive a partial outage: %v", err)
	}
	if res.Recommended.Source != "healthy" {
		t.Errorf("recommended = %s", res.Recommended.Source)
	}
}

func TestRefresh_HonorsTTL(t *testing.T) {
	t.Parallel()
	fs := newFakeSource(t, entryFor("weather", "1.0.0", weatherSource))

	m, _ := newManager(t, marketplace.WithTTL(time.Hour))
	if err := m.AddSource("main", fs.origin()); err != nil {
		t.Fatal(err)
	}

	if err := m.Refresh(context.Background(), false); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	after := fs.requests.Load()

	if err := m.Refresh(context.Background(), false); err != nil {
		t.Fatalf("cached refresh: %v", err)
	}
	if fs.requests.Load() != after {
		t.Error("refresh inside the TTL hit the network")
	}

	if err := m.Refresh(context.Background(), true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if fs.requests.Load() == after {
		t.Error("forced refresh did not hit the network")
	}
}

func TestSearch_Ranking(t *testing.T) {
	t.Parallel()
	fs := newFakeSource(t,
		entryFor("notes", "1.0.0", "a"),
		entryFor("note-taker", "1.0.0", "b"),
		entryFor("nots", "1.0.0", "c"),
		entryFor("calendar", "1.0.0", "d"),
	)

	m, _ := newManager(t)
	if err := m.AddSource("main", fs.origin()); err != nil {
		t.Fatal(err)
	}

	results, err := m.Search(context.Background(), "notes")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) < 3 {
		t.Fatalf("results = %v", results)
	}
	if results[0].Name != "notes" {
		t.Errorf("first = %s, want exact match", results[0].Name)
	}
	for _, r := range results {
		if r.Name == "calendar" {
			t.Error("unrelated entry ranked in results")
		}
	}
}

func TestUpgrade_Flow(t *testing.T) {
	t.Parallel()
	fs := newFakeSource(t, entryFor("weather", "1.0.0", weatherSource))
	fs.files["/photons/weather.go"] = weatherSource

	m, _ := newManager(t, marketplace.WithTTL(time.Nanosecond))
	if err := m.AddSource("main", fs.origin()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if _, err := m.Install(context.Background(), "weather", marketplace.InstallOptions{Dir: dir}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	// The source publishes a newer version.
	v2 := entryFor("weather", "1.2.0", weatherSourceV2)
	fs.manifest = fmt.Sprintf(
		"photons:\n  - name: weather\n    version: \"1.2.0\"\n    sourcePath: %s\n    contentHash: %q\n",
		v2.SourcePath, v2.ContentHash)
	fs.files["/photons/weather.go"] = weatherSourceV2

	updates, err := m.CheckUpdates(context.Background(), dir)
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	if len(updates) != 1 || !updates[0].HasUpdate || updates[0].RemoteVersion != "1.2.0" {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[0].LocallyModified {
		t.Error("untouched install reported as locally modified")
	}

	// A local edit blocks the upgrade until forced.
	path := filepath.Join(dir, "weather.go")
	if err := os.WriteFile(path, []byte(weatherSource+"// edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Upgrade(context.Background(), dir, "weather", false); err == nil {
		t.Fatal("upgrade overwrote a locally modified photon")
	}

	got, err := m.Upgrade(context.Background(), dir, "weather", true)
	if err != nil {
		t.Fatalf("forced upgrade: %v", err)
	}
	if got.Record.InstalledVersion != "1.2.0" {
		t.Errorf("record = %+v", got.Record)
	}
	data, _ := os.ReadFile(path)
	if string(data) != weatherSourceV2 {
		t.Error("file not replaced by upgrade")
	}
}

func TestAddSource_RejectsDuplicatesAndBadOrigins(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	if err := m.AddSource("main", "acme/photons"); err != nil {
		t.Fatalf("owner/repo origin rejected: %v", err)
	}
	if err := m.AddSource("main", "other/photons"); err == nil {
		t.Error("duplicate source name accepted")
	}
	if err := m.AddSource("bad", "not-an-origin"); err == nil {
		t.Error("malformed origin accepted")
	}
	if err := m.RemoveSource("main"); err != nil {
		t.Errorf("RemoveSource: %v", err)
	}
	if err := m.RemoveSource("main"); !photon.IsKind(err, photon.KindNotFound) {
		t.Errorf("removing absent source: err = %v, want not_found", err)
	}
}

func TestRefresh_SuspendsFailingHost(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	m, _ := newManager(t)
	if err := m.AddSource("broken", broken.URL+"/photons.yaml"); err != nil {
		t.Fatal(err)
	}

	// Three consecutive failures trip the per-host breaker.
	for i := 0; i < 3; i++ {
		if err := m.Refresh(context.Background(), true); err == nil {
			t.Fatalf("refresh %d succeeded against a broken source", i)
		}
	}
	before := hits.Load()

	err := m.Refresh(context.Background(), true)
	if err == nil {
		t.Fatal("refresh succeeded while the host is suspended")
	}
	if !photon.IsKind(err, photon.KindUpstreamUnavailable) {
		t.Errorf("err kind = %v, want upstream_unavailable", photon.KindOf(err))
	}
	if hits.Load() != before {
		t.Error("suspended host was still contacted")
	}
}
