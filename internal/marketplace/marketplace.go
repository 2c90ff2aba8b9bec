// Package marketplace resolves, searches, and installs photons from
// git-hosted manifests. Sources and install records persist through
// internal/store; this package owns fetching, conflict resolution, and
// integrity checking.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/photonmcp/photon/internal/resilience"
	"github.com/photonmcp/photon/internal/store"
	"github.com/photonmcp/photon/pkg/photon"
)

// DefaultTTL is how long a cached manifest stays fresh.
const DefaultTTL = time.Hour

// manifestFile is the well-known manifest path inside a repository origin.
const manifestFile = "photons.yaml"

// maxFetchSize bounds manifest and source downloads.
const maxFetchSize = 4 << 20

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithTTL overrides the manifest cache TTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// Manager is the marketplace front end.
type Manager struct {
	store    *store.Store
	client   *http.Client
	breakers *resilience.Set
	ttl      time.Duration
	now      func() time.Time
}

// New creates a manager over the given store.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		client:   &http.Client{Timeout: 30 * time.Second},
		breakers: resilience.NewSet(resilience.Config{}),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Candidate is one manifest entry together with the source offering it.
type Candidate struct {
	Source string
	Entry  store.ManifestEntry
}

// Resolution is the outcome of resolving an install spec. With more than one
// candidate the caller must either pick one or accept Recommended.
type Resolution struct {
	Candidates  []Candidate
	Recommended Candidate
}

// Conflict reports whether the resolution needs a caller decision.
func (r *Resolution) Conflict() bool { return len(r.Candidates) > 1 }

// AddSource appends a marketplace source. The name must be unique.
func (m *Manager) AddSource(name, origin string) error {
	if _, err := manifestURL(origin); err != nil {
		return err
	}
	sources, err := m.store.Sources()
	if err != nil {
		return err
	}
	for _, src := range sources {
		if src.Name == name {
			return fmt.Errorf("marketplace: source %q already exists", name)
		}
	}
	sources = append(sources, store.Source{Name: name, Origin: origin, Enabled: true})
	return m.store.SaveSources(sources)
}

// RemoveSource drops a source by name.
func (m *Manager) RemoveSource(name string) error {
	sources, err := m.store.Sources()
	if err != nil {
		return err
	}
	kept := sources[:0]
	found := false
	for _, src := range sources {
		if src.Name == name {
			found = true
			continue
		}
		kept = append(kept, src)
	}
	if !found {
		return photon.Errorf(photon.KindNotFound, "source %q is not configured", name)
	}
	return m.store.SaveSources(kept)
}

// Sources returns the configured source list.
func (m *Manager) Sources() ([]store.Source, error) {
	return m.store.Sources()
}

// Refresh fetches manifests for every enabled source whose cache is older
// than the TTL, or for all of them when force is set. Unreachable sources
// keep their cached manifest; their errors are returned joined but the
// refresh itself proceeds.
func (m *Manager) Refresh(ctx context.Context, force bool) error {
	sources, err := m.store.Sources()
	if err != nil {
		return err
	}

	var failures []string
	changed := false
	for i := range sources {
		src := &sources[i]
		if !src.Enabled {
			continue
		}
		if !force && src.Manifest != nil && m.now().Sub(src.FetchedAt) < m.ttl {
			continue
		}
		manifest, err := m.fetchManifest(ctx, src.Origin)
		if err != nil {
			slog.Warn("manifest refresh failed", "source", src.Name, "err", err)
			failures = append(failures, fmt.Sprintf("%s: %v", src.Name, err))
			continue
		}
		src.Manifest = manifest
		src.FetchedAt = m.now()
		changed = true
	}

	if changed {
		if err := m.store.SaveSources(sources); err != nil {
			return err
		}
	}
	if len(failures) > 0 {
		return photon.Errorf(photon.KindUpstreamUnavailable,
			"some sources unreachable: %s", strings.Join(failures, "; "))
	}
	return nil
}

// Resolve turns an install spec into candidates. A bare name scans enabled
// sources in list order; "source:name" pins one source.
func (m *Manager) Resolve(ctx context.Context, spec string) (*Resolution, error) {
	pinned, name, isPinned := strings.Cut(spec, ":")
	if !isPinned {
		name = spec
		pinned = ""
	}
	if name == "" {
		return nil, photon.Errorf(photon.KindInvalidArguments, "empty install spec")
	}

	// Stale caches resolve against yesterday's listing; refresh first.
	// Unreachable sources degrade to their cache, which Refresh preserves.
	refreshErr := m.Refresh(ctx, false)

	sources, err := m.store.Sources()
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, src := range sources {
		if !src.Enabled || src.Manifest == nil {
			continue
		}
		if pinned != "" && src.Name != pinned {
			continue
		}
		for _, entry := range src.Manifest.Photons {
			if entry.Name == name {
				candidates = append(candidates, Candidate{Source: src.Name, Entry: entry})
			}
		}
	}

	if len(candidates) == 0 {
		if refreshErr != nil {
			return nil, refreshErr
		}
		if pinned != "" {
			return nil, photon.Errorf(photon.KindNotFound, "source %s does not offer %q", pinned, name)
		}
		return nil, photon.Errorf(photon.KindNotFound, "no source offers %q", name)
	}

	return &Resolution{Candidates: candidates, Recommended: recommend(candidates)}, nil
}

// recommend picks the highest version; on equal versions the earliest
// enabled source in list order wins.
func recommend(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if semver.Compare(canonical(c.Entry.Version), canonical(best.Entry.Version)) > 0 {
			best = c
		}
	}
	return best
}

// canonical normalizes a manifest version for x/mod/semver, which requires
// the "v" prefix.
func canonical(v string) string {
	if v == "" {
		return "v0.0.0"
	}
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// SearchResult is one ranked search hit.
type SearchResult struct {
	Source      string
	Name        string
	Version     string
	Description string
}

// Search ranks manifest entries against a query: exact matches first, then
// substring matches, then by Levenshtein distance of the name.
func (m *Manager) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if err := m.Refresh(ctx, false); err != nil {
		slog.Warn("search using cached manifests", "err", err)
	}
	sources, err := m.store.Sources()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	type scored struct {
		result SearchResult
		rank   int
		dist   int
		order  int
	}
	var hits []scored
	order := 0
	for _, src := range sources {
		if !src.Enabled || src.Manifest == nil {
			continue
		}
		for _, entry := range src.Manifest.Photons {
			name := strings.ToLower(entry.Name)
			rank := 2
			switch {
			case name == q:
				rank = 0
			case strings.Contains(name, q) || strings.Contains(strings.ToLower(entry.Description), q):
				rank = 1
			}
			dist := matchr.Levenshtein(name, q)
			if rank == 2 && dist > len(q) {
				continue
			}
			hits = append(hits, scored{
				result: SearchResult{
					Source:      src.Name,
					Name:        entry.Name,
					Version:     entry.Version,
					Description: entry.Description,
				},
				rank:  rank,
				dist:  dist,
				order: order,
			})
			order++
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].order < hits[j].order
	})

	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = h.result
	}
	return out, nil
}

// Installed is the outcome of a successful install.
type Installed struct {
	Record store.InstallRecord
	Path   string
}

// InstallOptions tunes Install.
type InstallOptions struct {
	// Dir receives the photon file; it is created if missing.
	Dir string

	// AcceptRecommended installs the recommendation instead of failing on
	// a cross-source conflict.
	AcceptRecommended bool
}

// ConflictError reports that a bare name is offered by more than one source
// and AcceptRecommended was not set.
type ConflictError struct {
	Name       string
	Resolution *Resolution
}

func (e *ConflictError) Error() string {
	names := make([]string, len(e.Resolution.Candidates))
	for i, c := range e.Resolution.Candidates {
		names[i] = fmt.Sprintf("%s@%s", c.Source, c.Entry.Version)
	}
	return fmt.Sprintf("marketplace: %q offered by multiple sources (%s), recommended %s@%s",
		e.Name, strings.Join(names, ", "),
		e.Resolution.Recommended.Source, e.Resolution.Recommended.Entry.Version)
}

// Install resolves spec, fetches and verifies the source content, writes the
// photon file, and records the install. On an integrity mismatch nothing is
// written.
func (m *Manager) Install(ctx context.Context, spec string, opts InstallOptions) (*Installed, error) {
	res, err := m.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}
	candidate := res.Recommended
	if res.Conflict() && !opts.AcceptRecommended {
		_, name, isPinned := strings.Cut(spec, ":")
		if !isPinned {
			name = spec
		}
		return nil, &ConflictError{Name: name, Resolution: res}
	}
	return m.install(ctx, candidate, opts.Dir)
}

func (m *Manager) install(ctx context.Context, c Candidate, dir string) (*Installed, error) {
	origin, err := m.originOf(c.Source)
	if err != nil {
		return nil, err
	}
	content, err := m.fetchContent(ctx, origin, c.Entry.SourcePath)
	if err != nil {
		return nil, photon.Errorf(photon.KindUpstreamUnavailable,
			"source %s: fetch %s: %v", c.Source, c.Entry.SourcePath, err)
	}

	if got := photon.HashBytes(content); got != c.Entry.ContentHash {
		return nil, &photon.Error{
			Kind: photon.KindIntegrity,
			Msg: fmt.Sprintf("content hash mismatch for %s: manifest declares %s, fetched %s",
				c.Entry.Name, c.Entry.ContentHash, got),
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("marketplace: create install dir: %w", err)
	}
	path := filepath.Join(dir, c.Entry.Name+".go")
	if err := atomicWrite(path, content); err != nil {
		return nil, err
	}

	rec := store.InstallRecord{
		PhotonName:        c.Entry.Name,
		SourceMarketplace: c.Source,
		InstalledVersion:  c.Entry.Version,
		InstalledAt:       m.now().UTC(),
		ContentHash:       c.Entry.ContentHash,
	}
	if err := m.store.PutInstallRecord(rec); err != nil {
		return nil, err
	}
	slog.Info("photon installed",
		"name", c.Entry.Name, "version", c.Entry.Version, "source", c.Source, "path", path)
	return &Installed{Record: rec, Path: path}, nil
}

func (m *Manager) originOf(sourceName string) (string, error) {
	sources, err := m.store.Sources()
	if err != nil {
		return "", err
	}
	for _, src := range sources {
		if src.Name == sourceName {
			return src.Origin, nil
		}
	}
	return "", photon.Errorf(photon.KindNotFound, "source %q is not configured", sourceName)
}

// fetchManifest downloads and parses a source's photons.yaml.
func (m *Manager) fetchManifest(ctx context.Context, origin string) (*store.Manifest, error) {
	u, err := manifestURL(origin)
	if err != nil {
		return nil, err
	}
	data, err := m.get(ctx, u)
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(data)
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

func parseManifest(data []byte) (*store.Manifest, error) {
	var mf store.Manifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &mf, nil
}

// fetchContent downloads the bytes at sourcePath relative to the origin.
func (m *Manager) fetchContent(ctx context.Context, origin, sourcePath string) ([]byte, error) {
	u, err := contentURL(origin, sourcePath)
	if err != nil {
		return nil, err
	}
	return m.get(ctx, u)
}

// get downloads u under the per-host circuit breaker, so a host that keeps
// failing is skipped for a cooldown instead of stalling every refresh.
func (m *Manager) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = m.breakers.Do(ctx, req.URL.Host, func() error {
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: %s", u, resp.Status)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		return nil, photon.Errorf(photon.KindUpstreamUnavailable,
			"host %s suspended after repeated failures", req.URL.Host)
	}
	return data, err
}

// manifestURL maps an origin to its manifest URL. "owner/repo" means a
// GitHub repository with photons.yaml at its root; anything with a scheme is
// used verbatim.
func manifestURL(origin string) (string, error) {
	if strings.Contains(origin, "://") {
		u, err := url.Parse(origin)
		if err != nil {
			return "", fmt.Errorf("marketplace: invalid origin %q: %w", origin, err)
		}
		return u.String(), nil
	}
	parts := strings.Split(origin, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("marketplace: origin %q is neither owner/repo nor a URL", origin)
	}
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/HEAD/%s",
		parts[0], parts[1], manifestFile), nil
}

// contentURL maps a manifest-relative source path to a fetchable URL.
func contentURL(origin, sourcePath string) (string, error) {
	base, err := manifestURL(origin)
	if err != nil {
		return "", err
	}
	bu, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(sourcePath)
	if err != nil {
		return "", fmt.Errorf("marketplace: invalid sourcePath %q: %w", sourcePath, err)
	}
	return bu.ResolveReference(ref).String(), nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".photon-*")
	if err != nil {
		return fmt.Errorf("marketplace: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("marketplace: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("marketplace: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("marketplace: replace %s: %w", path, err)
	}
	return nil
}
