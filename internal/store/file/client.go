// Package filestore implements the domain persistence interfaces on the
// local filesystem. Snapshots are replaced with write-temp, fsync, rename;
// append-only records are fsynced JSON lines.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Client owns the data directory shared by the file-backed stores.
type Client struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the directory layout under dir.
func New(dir string) (*Client, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("filestore: data dir is required")
	}
	for _, sub := range []string{"ledger", "tokens", "executions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("filestore: create %s dir: %w", sub, err)
		}
	}
	return &Client{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the root data directory.
func (c *Client) Dir() string { return c.dir }

// Close is a no-op kept for symmetry with the other backends.
func (c *Client) Close() {}

// fileLock returns the mutex serialising access to path.
func (c *Client) fileLock(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[path]
	if !ok {
		l = &sync.Mutex{}
		c.locks[path] = l
	}
	return l
}

func (c *Client) path(parts ...string) string {
	return filepath.Join(append([]string{c.dir}, parts...)...)
}

// writeFileAtomic replaces path with data. Readers see either the previous
// content or the new content, never a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// Only present when something below failed.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already
	// happened, so that is not fatal.
	_ = d.Sync()
	return nil
}

// safeName maps an identifier onto a file name.
func safeName(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(id)
}
