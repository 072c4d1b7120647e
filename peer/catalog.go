package peer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
)

var errNotShared = errors.New("file is not shared")

// Catalog is the set of files a peer hosts: the regular files directly
// inside its shared directory.
type Catalog struct {
	dir string

	mu    sync.RWMutex
	files map[string]int64
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{
		dir:   dir,
		files: make(map[string]int64),
	}
}

func (c *Catalog) Dir() string {
	return c.dir
}

// Scan rereads the shared directory, creating it if missing, and returns the
// sorted file names. Names that cannot travel in a packet and hidden files
// are skipped.
func (c *Catalog) Scan() ([]string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shared directory %s: %w", c.dir, err)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read shared directory %s: %w", c.dir, err)
	}

	files := make(map[string]int64, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if !protocol.ValidName(name) {
			logger.Sugar.Warnf("[Peer] skipping file with reserved characters: name=%q", name)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files[name] = info.Size()
	}

	c.mu.Lock()
	c.files = files
	c.mu.Unlock()
	return c.Files(), nil
}

func (c *Catalog) Files() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.files))
	for name := range c.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.files[name]
	return ok
}

// Open opens a cataloged file for streaming and returns its current size.
// Only names from the last scan are served.
func (c *Catalog) Open(name string) (*os.File, int64, error) {
	if !c.Has(name) || filepath.Base(name) != name {
		return nil, 0, fmt.Errorf("%s: %w", name, errNotShared)
	}

	f, err := os.Open(filepath.Join(c.dir, name))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, fmt.Errorf("%s: %w", name, errNotShared)
	}
	return f, info.Size(), nil
}
