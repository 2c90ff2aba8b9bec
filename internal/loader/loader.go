// Package loader turns photon source into a live instance: analysis (via
// internal/analyzer, cached content-addressed), interpretation in a yaegi
// sandboxed interpreter, configuration injection from the environment and
// the saved per-photon record, and the optional Init lifecycle hook.
//
// Interpreted sources may import the standard library and pkg/photon;
// third-party @dependency entries are recorded (and factored into the cache
// key) but the interpreter cannot fetch them, so importing one is a load
// error reported with its source span.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/photonmcp/photon/internal/analyzer"
	"github.com/photonmcp/photon/pkg/photon"
)

// instanceVar names the interpreter binding holding the user object.
const instanceVar = "__photon"

// initTimeout bounds the optional Init hook.
const initTimeout = 30 * time.Second

// Options configures a Loader. The zero value is usable: no cache, real
// environment, no saved configuration, no overrides.
type Options struct {
	// CacheDir is the content-addressed spec cache directory. Empty
	// disables caching.
	CacheDir string

	// Getenv supplies environment lookups; nil means os.Getenv. Tests
	// substitute a map-backed function.
	Getenv func(string) string

	// SavedConfig returns the persisted configuration record for a photon
	// name. May be nil.
	SavedConfig func(name string) photon.ConfigRecord

	// Overrides returns persisted metadata edits for a photon name.
	// May be nil.
	Overrides func(name string) *photon.MetadataOverrides
}

// Loader loads and reloads photon files. Safe for concurrent use; loads of
// the same path are serialized by the caller (the runtime has one watcher
// per source).
type Loader struct {
	cache       *specCache
	getenv      func(string) string
	savedConfig func(name string) photon.ConfigRecord
	overrides   func(name string) *photon.MetadataOverrides

	mu         sync.Mutex
	lastConfig map[string]photon.ConfigRecord
}

// New creates a Loader.
func New(opts Options) *Loader {
	l := &Loader{
		cache:       &specCache{dir: opts.CacheDir},
		getenv:      opts.Getenv,
		savedConfig: opts.SavedConfig,
		overrides:   opts.Overrides,
		lastConfig:  map[string]photon.ConfigRecord{},
	}
	if l.getenv == nil {
		l.getenv = os.Getenv
	}
	return l
}

// Load reads, analyzes, and instantiates the photon at path with a freshly
// resolved configuration record.
func (l *Loader) Load(path string) (*Instance, error) {
	return l.load(path, nil)
}

// Reload is Load reusing the configuration record of the previous successful
// load of the same path, so a source edit cannot silently change the running
// configuration.
func (l *Loader) Reload(path string) (*Instance, error) {
	l.mu.Lock()
	last := l.lastConfig[path]
	l.mu.Unlock()
	return l.load(path, last)
}

func (l *Loader) load(path string, fixedConfig photon.ConfigRecord) (*Instance, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &photon.Error{Kind: photon.KindLoad, Msg: "cannot read source", Path: path, Err: err}
	}

	key := cacheKey(src, scanDependencies(src))
	spec := l.cache.get(key)
	if spec == nil {
		spec, err = analyzer.Analyze(src)
		if err != nil {
			return nil, err
		}
		// A failed cache write costs a re-analysis later, nothing more.
		_ = l.cache.put(key, spec)
	}
	if abs, err := filepath.Abs(path); err == nil {
		spec.SourcePath = abs
	} else {
		spec.SourcePath = path
	}

	var saved photon.ConfigRecord
	if l.savedConfig != nil {
		saved = l.savedConfig(spec.Name)
	}
	rec, missing := ResolveConfig(spec, l.getenv, saved)
	if fixedConfig != nil {
		rec = fixedConfig.Clone()
		missing = spec.MissingParams(rec)
	}

	inst, err := l.instantiate(src, spec, rec, missing)
	if err != nil {
		return nil, err
	}

	if l.overrides != nil {
		l.overrides(spec.Name).Apply(spec)
	}

	l.mu.Lock()
	l.lastConfig[path] = rec.Clone()
	l.mu.Unlock()
	return inst, nil
}

// instantiate evaluates the source and builds the user object.
func (l *Loader) instantiate(src []byte, spec *photon.Spec, rec photon.ConfigRecord, missing []string) (*Instance, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, photon.Errorf(photon.KindInternal, "interpreter stdlib: %v", err)
	}
	if err := i.Use(hostSymbols); err != nil {
		return nil, photon.Errorf(photon.KindInternal, "interpreter host symbols: %v", err)
	}

	if _, err := i.Eval(string(src)); err != nil {
		return nil, &photon.Error{Kind: photon.KindLoad, Msg: "source does not compile", Err: err}
	}
	if _, err := i.Eval(fmt.Sprintf("var %s = &%s{}", instanceVar, spec.DisplayName)); err != nil {
		return nil, &photon.Error{Kind: photon.KindLoad, Msg: "cannot construct " + spec.DisplayName, Err: err}
	}
	recv, err := i.Eval(instanceVar)
	if err != nil {
		return nil, photon.Errorf(photon.KindInternal, "instance binding lost: %v", err)
	}

	if err := injectConfig(recv, spec, rec); err != nil {
		return nil, err
	}

	inst := &Instance{
		spec:    spec,
		interp:  i,
		recv:    recv,
		config:  rec,
		missing: missing,
		methods: map[string]reflect.Value{},
	}
	inst.resources, err = compileResources(spec)
	if err != nil {
		return nil, err
	}

	// Init runs only for configured photons; an unconfigured photon is
	// still catalogued so clients can discover what to collect.
	if spec.HasInit && len(missing) == 0 {
		if err := callInit(inst); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func callInit(inst *Instance) error {
	mv, err := inst.Method("Init")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	args := []reflect.Value{}
	if mv.Type().NumIn() == 1 {
		args = append(args, reflect.ValueOf(ctx))
	}
	out := mv.Call(args)
	if n := len(out); n > 0 {
		if errv, ok := out[n-1].Interface().(error); ok && errv != nil {
			return &photon.Error{Kind: photon.KindLoad, Msg: "Init failed", Err: errv}
		}
	}
	return nil
}

// scanDependencies extracts @dependency lines from comments without a full
// parse, for cache-key composition. It mirrors the analyzer's normalization
// (sorted by path); a divergence only perturbs the key, never correctness.
func scanDependencies(src []byte) []photon.Dependency {
	var deps []photon.Dependency
	sc := bufio.NewScanner(bytes.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, "//")
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "@dependency ") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "@dependency "))
		path, version, _ := strings.Cut(rest, " ")
		if path != "" {
			deps = append(deps, photon.Dependency{Path: path, Version: strings.TrimSpace(version)})
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Path < deps[j].Path })
	return deps
}
