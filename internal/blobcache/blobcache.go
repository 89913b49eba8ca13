// Package blobcache stores media payloads keyed by their source URL.
//
// It is the binary sibling of the durable store: the store keeps metadata,
// this package keeps bytes. Writes go to a temporary file and are renamed into
// place, so a reader never observes a partial payload.
package blobcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Cache is a content cache on an afero filesystem.
type Cache struct {
	fs  afero.Fs
	dir string // OS directory behind fs, empty when not on disk
}

// New returns a cache rooted at the top of fs.
func New(fs afero.Fs) *Cache {
	return &Cache{fs: fs}
}

// NewOnDisk returns a cache rooted at dir on the OS filesystem.
func NewOnDisk(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob cache directory: %w", err)
	}
	c := New(afero.NewBasePathFs(afero.NewOsFs(), dir))
	c.dir = dir
	return c, nil
}

const partialPrefix = "partial-"

// Key maps a URL to the flat file name its payload is stored under.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func blobPath(url string) string {
	return path.Join("/", Key(url))
}

// Put streams r into the cache under url, replacing any previous payload.
// Returns the number of bytes stored.
func (c *Cache) Put(url string, r io.Reader) (int64, error) {
	tmp, err := afero.TempFile(c.fs, "/", partialPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		c.fs.Remove(tmpName)
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}

	if err := c.fs.Rename(tmpName, blobPath(url)); err != nil {
		c.fs.Remove(tmpName)
		return 0, fmt.Errorf("failed to commit blob: %w", err)
	}
	return n, nil
}

// Has reports whether a payload for url is present.
func (c *Cache) Has(url string) bool {
	ok, err := afero.Exists(c.fs, blobPath(url))
	return err == nil && ok
}

// Open returns a reader over the cached payload for url.
func (c *Cache) Open(url string) (io.ReadCloser, error) {
	f, err := c.fs.Open(blobPath(url))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// LocalPath returns the OS path of the payload for url, for handing to an
// external program. It reports false when the payload is missing or the
// cache is not on disk.
func (c *Cache) LocalPath(url string) (string, bool) {
	if c.dir == "" || !c.Has(url) {
		return "", false
	}
	return filepath.Join(c.dir, Key(url)), true
}

// Size returns the stored size of the payload for url.
func (c *Cache) Size(url string) (int64, error) {
	info, err := c.fs.Stat(blobPath(url))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes the payload for url. Deleting a missing payload is not an error.
func (c *Cache) Delete(url string) error {
	err := c.fs.Remove(blobPath(url))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Keys lists the keys of every committed payload.
func (c *Cache) Keys() ([]string, error) {
	entries, err := afero.ReadDir(c.fs, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), partialPrefix) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

// DeleteKey removes the payload stored under key.
func (c *Cache) DeleteKey(key string) error {
	err := c.fs.Remove(path.Join("/", key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// SweepPartials removes temp files left by interrupted writes. It must not
// run while a Put is in progress. Returns the number removed.
func (c *Cache) SweepPartials() (int, error) {
	entries, err := afero.ReadDir(c.fs, "/")
	if err != nil {
		return 0, fmt.Errorf("failed to list blobs: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), partialPrefix) {
			continue
		}
		if err := c.fs.Remove(path.Join("/", e.Name())); err != nil {
			return n, fmt.Errorf("failed to delete partial blob: %w", err)
		}
		n++
	}
	return n, nil
}
