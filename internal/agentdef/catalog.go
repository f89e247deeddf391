package agentdef

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Catalog is the read-only set of agents available to a process.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog indexes definitions; later ones replace earlier ones with the
// same name, so user definitions passed after Builtins() override them.
func NewCatalog(defs ...Definition) *Catalog {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		c.defs[d.Name] = d
	}
	return c
}

// Load builds a catalog from the built-ins plus dir.
func Load(dir string, logger zerolog.Logger) (*Catalog, error) {
	user, err := LoadDir(dir, logger)
	if err != nil {
		return nil, err
	}
	return NewCatalog(append(Builtins(), user...)...), nil
}

// Get resolves name.
func (c *Catalog) Get(name string) (Definition, error) {
	d, ok := c.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return d, nil
}

// List returns definitions sorted by name. Hidden agents are included only
// when includeHidden is set.
func (c *Catalog) List(includeHidden bool) []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		if !includeHidden && !d.Listed() {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
