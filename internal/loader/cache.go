package loader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/photonmcp/photon/pkg/photon"
)

// specCache is the content-addressed cache of analyzed spec skeletons.
// Entries never expire by time; a key is the hash of the source bytes plus
// the normalized dependency list, so a stale hit is impossible. Concurrent
// readers are safe; writers contend via temp-file + atomic rename.
type specCache struct {
	dir string
}

// cacheKey derives the artifact key for a source file.
func cacheKey(src []byte, deps []photon.Dependency) string {
	var b strings.Builder
	b.Write(src)
	for _, d := range deps {
		b.WriteByte(0)
		b.WriteString(d.Path)
		b.WriteByte(' ')
		b.WriteString(d.Version)
	}
	// Strip the "sha256:" prefix for use as a file name.
	return strings.TrimPrefix(photon.HashBytes([]byte(b.String())), "sha256:")
}

func (c *specCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// get returns the cached spec for key, or nil on miss. A corrupt entry is
// treated as a miss.
func (c *specCache) get(key string) *photon.Spec {
	if c.dir == "" {
		return nil
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil
	}
	var spec photon.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil
	}
	return &spec
}

// put writes the spec under key via a temporary file and rename.
func (c *specCache) put(key string, spec *photon.Spec) error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".spec-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path(key))
}
