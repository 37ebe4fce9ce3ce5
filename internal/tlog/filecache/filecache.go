// Package filecache memoizes parsed dsc and uuidtext files by their
// 32-hex-digit UUID string, populated once from the uuidtext/dsc
// directories and read-only for the lifetime of a run (spec §5 "shared
// resources").
package filecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arjunv/unifiedlog/internal/tlog/dsc"
	"github.com/arjunv/unifiedlog/internal/tlog/uuidtext"
)

// Cache holds every dsc file under a dsc/ directory and lazily-loaded
// uuidtext files nested two hex digits deep under a uuidtext root.
type Cache struct {
	uuidtextRoot string
	dscDir       string

	mu       sync.RWMutex
	dscs     map[string]*dsc.File
	uuidtext map[string]*uuidtext.File
}

// New prepares a cache rooted at uuidtextRoot, with a sibling dsc/ directory
// (spec §6 directory layout).
func New(uuidtextRoot string) *Cache {
	return &Cache{
		uuidtextRoot: uuidtextRoot,
		dscDir:       filepath.Join(uuidtextRoot, "dsc"),
		dscs:         make(map[string]*dsc.File),
		uuidtext:     make(map[string]*uuidtext.File),
	}
}

// LoadDSCs eagerly parses every file under the dsc/ directory, keyed by its
// file name (a 32-hex-digit UUID string).
func (c *Cache) LoadDSCs() error {
	entries, err := os.ReadDir(c.dscDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filecache: reading dsc dir %s: %w", c.dscDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "._") {
			continue
		}
		path := filepath.Join(c.dscDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("filecache: reading dsc file %s: %w", path, err)
		}
		if len(data) == 0 {
			continue
		}
		f, err := dsc.Parse(data)
		if err != nil {
			return fmt.Errorf("filecache: parsing dsc file %s: %w", path, err)
		}
		c.mu.Lock()
		c.dscs[strings.ToUpper(e.Name())] = f
		c.mu.Unlock()
	}
	return nil
}

// DSC returns the already-loaded dsc file for uuidStr, if present.
func (c *Cache) DSC(uuidStr string) (*dsc.File, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.dscs[strings.ToUpper(uuidStr)]
	return f, ok
}

// UUIDText returns the uuidtext file for uuidStr, parsing and memoizing it
// on first request. File path layout is uuidtextRoot/<first two hex
// digits>/<remaining 30 hex digits>.
func (c *Cache) UUIDText(uuidStr string) (*uuidtext.File, error) {
	key := strings.ToUpper(uuidStr)

	c.mu.RLock()
	f, ok := c.uuidtext[key]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	if len(uuidStr) != 32 {
		return nil, fmt.Errorf("filecache: malformed uuidtext uuid %q", uuidStr)
	}
	path := filepath.Join(c.uuidtextRoot, strings.ToUpper(uuidStr[:2]), strings.ToUpper(uuidStr[2:]))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filecache: reading uuidtext file %s: %w", path, err)
	}

	f, err = uuidtext.Parse(key, data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.uuidtext[key] = f
	c.mu.Unlock()
	return f, nil
}

// Resolve opens uuidStr as a dsc file if one was loaded under that name,
// else as a uuidtext file, per spec §4.5 "each such file is opened as a DSC
// if present in the dsc directory, else as a uuidtext".
func (c *Cache) Resolve(uuidStr string) (dscFile *dsc.File, uuidtextFile *uuidtext.File, err error) {
	if f, ok := c.DSC(uuidStr); ok {
		return f, nil, nil
	}
	f, err := c.UUIDText(uuidStr)
	if err != nil {
		return nil, nil, err
	}
	return nil, f, nil
}
