package objpipeline

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// cacheKey is the four-part key SPEC_FULL.md's SUPPLEMENTED FEATURES
// section fixes for the sha1-map cache file: the .gitattributes tree
// this blob was staged under (different attribute sets can produce
// different filters), the file's repository path, the content's own
// pre-transform hash, and a hash of the transform chain's effective
// configuration (so a later run with different --retab-only/
// --replace-svn-keywords settings can't reuse a stale entry).
type cacheKey struct {
	AttrTree   string
	Path       string
	SourceHash string
	FormatHash string
}

func (k cacheKey) String() string {
	return strings.Join([]string{k.AttrTree, k.Path, k.SourceHash, k.FormatHash}, "\t")
}

// Sha1Cache is a line-oriented `key TAB sha` cache file mapping a
// cacheKey to the blob SHA the object pipeline already computed for it,
// so re-running a conversion (after a config tweak downstream, or a
// resumed partial run) can skip re-hashing unchanged blobs.
type Sha1Cache struct {
	mu      sync.Mutex
	entries map[string]string
	path    string
	dirty   bool
}

// LoadSha1Cache reads path if it exists, or starts empty if it doesn't
// (a missing cache file is not an error — the first run always starts
// empty).
func LoadSha1Cache(path string) (*Sha1Cache, error) {
	c := &Sha1Cache{entries: map[string]string{}, path: path}
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open sha1 cache %s: %w", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.LastIndex(line, "\t")
		if idx < 0 {
			continue
		}
		c.entries[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sha1 cache %s: %w", path, err)
	}
	return c, nil
}

// Get looks up a previously cached blob SHA for key.
func (c *Sha1Cache) Get(key cacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sha, ok := c.entries[key.String()]
	return sha, ok
}

// Put records key's blob SHA, marking the cache dirty so Flush writes
// it back out.
func (c *Sha1Cache) Put(key cacheKey, sha string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = sha
	c.dirty = true
}

// Flush rewrites the cache file if anything changed since it was
// loaded (or since the last Flush). A no-op when path is empty.
func (c *Sha1Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" || !c.dirty {
		return nil
	}
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write sha1 cache %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for k, sha := range c.entries {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", k, sha); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return err
	}
	c.dirty = false
	return nil
}
