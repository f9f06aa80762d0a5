package crewfile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/store"
)

// ErrCrewNotFound is returned for names the catalog does not hold.
var ErrCrewNotFound = errors.New("crew not found")

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	// Dir holds the crew files. A missing directory yields an empty catalog.
	Dir     string
	Options Options
	// Checkpointer and Store are attached to crews that do not set their own.
	Checkpointer checkpoint.Saver
	Store        store.Store
	Logger       *slog.Logger
}

// Catalog holds the crews a server can run, keyed by name.
type Catalog struct {
	cfg CatalogConfig

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog loads every crew file in cfg.Dir.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	c := &Catalog{cfg: cfg, defs: make(map[string]*Definition)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the crew directory and replaces the catalog contents.
// Every crew must compile; on error the previous contents are kept. A
// catalog without a directory keeps the crews added to it.
func (c *Catalog) Reload() error {
	if c.cfg.Dir == "" {
		return nil
	}
	defs, err := LoadDir(c.cfg.Dir, c.cfg.Options)
	if errors.Is(err, fs.ErrNotExist) {
		defs = map[string]*Definition{}
	} else if err != nil {
		return err
	}

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		c.attach(defs[name])
		if _, err := crew.Compile(defs[name].Crew); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", defs[name].Path, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.mu.Lock()
	c.defs = defs
	c.mu.Unlock()
	return nil
}

// Add registers a definition, replacing any crew of the same name.
func (c *Catalog) Add(def *Definition) {
	c.attach(def)
	c.mu.Lock()
	c.defs[def.Name] = def
	c.mu.Unlock()
}

func (c *Catalog) attach(def *Definition) {
	cr := def.Crew
	if cr.Checkpointer == nil {
		cr.Checkpointer = c.cfg.Checkpointer
	}
	if cr.Store == nil {
		cr.Store = c.cfg.Store
	}
	if cr.Logger == nil && c.cfg.Logger != nil {
		cr.Logger = c.cfg.Logger.With("crew", def.Name)
	}
}

// Get returns the definition of a crew.
func (c *Catalog) Get(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// Resolve returns the crew registered under name.
func (c *Catalog) Resolve(name string) (*crew.Crew, error) {
	def, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCrewNotFound, name)
	}
	return def.Crew, nil
}

// Compile compiles the named crew.
func (c *Catalog) Compile(name string) (*crew.Compiled, error) {
	cr, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}
	return crew.Compile(cr)
}

// List returns the definitions sorted by name.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Definition, 0, len(c.defs))
	for _, name := range slices.Sorted(maps.Keys(c.defs)) {
		out = append(out, c.defs[name])
	}
	return out
}

// Len returns the number of crews.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// Validate parses and compiles a crew source with the catalog's options
// without registering it.
func (c *Catalog) Validate(src []byte, filename string) (*Definition, *crew.Compiled, error) {
	def, err := Parse(src, filename, c.cfg.Options)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := crew.Compile(def.Crew)
	if err != nil {
		return def, nil, err
	}
	return def, compiled, nil
}
