package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// stepCache maps instruction chain keys to the layer each step produced, so
// an unchanged Dockerfile prefix reuses its layers across builds. The cache
// only speaks in keys and digests; validity of the layer itself is checked
// against the layer store at lookup time.
type stepCache struct {
	path    string
	entries map[string]string
	dirty   bool
}

func loadStepCache(path string) *stepCache {
	cache := &stepCache{path: path, entries: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		return cache
	}
	if err := json.Unmarshal(data, &cache.entries); err != nil {
		// A corrupt cache is discarded, never trusted.
		cache.entries = make(map[string]string)
	}
	return cache
}

func (c *stepCache) get(key string) (digest.Digest, bool) {
	value, ok := c.entries[key]
	if !ok {
		return "", false
	}
	d, err := digest.Parse(value)
	if err != nil {
		return "", false
	}
	return d, true
}

func (c *stepCache) put(key string, d digest.Digest) {
	c.entries[key] = d.String()
	c.dirty = true
}

func (c *stepCache) save() error {
	if !c.dirty {
		return nil
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode build cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write build cache: %w", err)
	}
	c.dirty = false
	return nil
}

// chainKey advances the cache key: each step's key folds in its parent key,
// the instruction text and, for context-dependent steps, a hash of the
// staged content.
func chainKey(parent, instruction, contentHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s", parent, instruction, contentHash)
	return hex.EncodeToString(h.Sum(nil))
}
