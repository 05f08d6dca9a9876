package reference

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog is an in-memory Lookup, optionally loaded from YAML.
type Catalog struct {
	mu      sync.RWMutex
	texts   map[string]*Text
	dialogs map[string]*Dialog
}

type catalogFile struct {
	Texts   []Text   `yaml:"texts"`
	Dialogs []Dialog `yaml:"dialogs"`
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		texts:   make(map[string]*Text),
		dialogs: make(map[string]*Dialog),
	}
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML document with top-level "texts" and "dialogs".
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := NewCatalog()
	for i := range f.Texts {
		if err := c.AddText(f.Texts[i]); err != nil {
			return nil, err
		}
	}
	for i := range f.Dialogs {
		if err := c.AddDialog(f.Dialogs[i]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddText stores t, replacing any text with the same id.
func (c *Catalog) AddText(t Text) error {
	if t.ID == "" {
		return fmt.Errorf("text id is required")
	}
	if t.Content == "" {
		return fmt.Errorf("text %q has no content", t.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts[t.ID] = t.clone()
	return nil
}

// AddDialog stores d, deriving Speakers from the lines when none are listed.
func (c *Catalog) AddDialog(d Dialog) error {
	if d.ID == "" {
		return fmt.Errorf("dialog id is required")
	}
	if len(d.Lines) == 0 {
		return fmt.Errorf("dialog %q has no lines", d.ID)
	}
	if len(d.Speakers) == 0 {
		d.Speakers = d.DistinctSpeakers()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialogs[d.ID] = d.clone()
	return nil
}

func (c *Catalog) GetText(_ context.Context, id string) (*Text, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.texts[id]
	if !ok {
		return nil, fmt.Errorf("text %q: %w", id, ErrNotFound)
	}
	return t.clone(), nil
}

func (c *Catalog) GetDialog(_ context.Context, id string) (*Dialog, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dialogs[id]
	if !ok {
		return nil, fmt.Errorf("dialog %q: %w", id, ErrNotFound)
	}
	return d.clone(), nil
}

// Len returns the number of texts and dialogs.
func (c *Catalog) Len() (texts, dialogs int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.texts), len(c.dialogs)
}
