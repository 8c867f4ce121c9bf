package compensation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/banshee-data/attenuator/internal/security"
)

// BindingLookup maps a device serial number to a compensation file.
type BindingLookup interface {
	LookupCompensationFile(ctx context.Context, serial string) (path string, ok bool, err error)
}

// Resolver chooses the compensation table for a connected device. Lookup
// order: the binding for the device serial, then the port index file in Dir
// (ttyACM0 -> 1.json, COM3 -> 3.json), then none.
type Resolver struct {
	Dir      string
	Ext      string
	Bindings BindingLookup

	mu    sync.Mutex
	cache map[string]cachedTable
}

type cachedTable struct {
	table   *Table
	modTime time.Time
	size    int64
}

// NewResolver returns a resolver reading files from dir. bindings may be nil.
func NewResolver(dir string, bindings BindingLookup) *Resolver {
	return &Resolver{
		Dir:      dir,
		Ext:      ".json",
		Bindings: bindings,
		cache:    make(map[string]cachedTable),
	}
}

// Resolve returns the table for the device on port with the given serial
// number. A nil table and nil error mean the device has no dedicated table.
func (r *Resolver) Resolve(ctx context.Context, port, serial string) (*Table, error) {
	if r == nil {
		return nil, nil
	}

	if serial != "" && r.Bindings != nil {
		path, ok, err := r.Bindings.LookupCompensationFile(ctx, serial)
		if err != nil {
			return nil, fmt.Errorf("lookup binding for %s: %w", serial, err)
		}
		if ok {
			t, err := r.loadBound(path)
			if err == nil {
				return t, nil
			}
			log.Warn().Err(err).Str("serial", serial).Str("file", path).
				Msg("bound compensation file unusable, falling back to port mapping")
		}
	}

	name, ok := PortIndexFile(port, r.Ext)
	if !ok || r.Dir == "" {
		return nil, nil
	}
	t, err := r.Load(filepath.Join(r.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return t, err
}

// Load reads path, caching the result. A cached table is reread when the
// file's modification time or size changes; if the new contents do not
// parse, the previous table is kept.
func (r *Resolver) Load(path string) (*Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache == nil {
		r.cache = make(map[string]cachedTable)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	cached, ok := r.cache[path]
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.table, nil
	}

	t, err := LoadFile(path)
	if err != nil {
		if ok {
			log.Warn().Err(err).Str("file", path).Msg("compensation file changed but is unusable, keeping previous table")
			return cached.table, nil
		}
		return nil, err
	}
	if ok {
		log.Info().Str("file", path).Int("samples", t.Len()).Msg("compensation file changed, reloaded")
	}
	r.cache[path] = cachedTable{table: t, modTime: info.ModTime(), size: info.Size()}
	return t, nil
}

// Invalidate drops every cached table so the next Resolve rereads every file.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cachedTable)
}

// loadBound loads a file named by a binding. Bound files must stay inside Dir.
func (r *Resolver) loadBound(name string) (*Table, error) {
	path, err := security.ResolveWithin(r.Dir, name)
	if err != nil {
		return nil, err
	}
	return r.Load(path)
}

var (
	acmPattern = regexp.MustCompile(`ACM(\d+)`)
	comPattern = regexp.MustCompile(`(?i)COM(\d+)`)
)

// PortIndexFile returns the conventional compensation file name for port.
// ACM ports are numbered from one (ttyACM0 -> 1.json); COM ports keep their
// number.
func PortIndexFile(port, ext string) (string, bool) {
	if ext == "" {
		ext = ".json"
	}
	offset := 0
	m := acmPattern.FindStringSubmatch(port)
	if m != nil {
		offset = 1
	} else if m = comPattern.FindStringSubmatch(port); m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	return strconv.Itoa(n+offset) + ext, true
}
