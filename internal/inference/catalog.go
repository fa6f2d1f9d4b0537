package inference

import (
	"fmt"

	"github.com/cortexhub/cortex-chatgate/internal/config"
)

// Model is one selectable entry in the catalog. Capabilities are data, so a
// single dispatcher serves any mix of text and vision models.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Engine      string `json:"engine"`
	Multimodal  bool   `json:"multimodal"`
	ThinkToggle bool   `json:"think_toggle"`
}

// Catalog is the ordered set of models users can switch between.
type Catalog struct {
	models []Model
	byID   map[string]int
	def    string
	vision string
}

// NewCatalog builds a catalog. defaultID must exist. visionID may be empty,
// in which case the first multimodal model serves image turns.
func NewCatalog(models []Model, defaultID, visionID string) (*Catalog, error) {
	c := &Catalog{
		models: make([]Model, 0, len(models)),
		byID:   make(map[string]int, len(models)),
		def:    defaultID,
		vision: visionID,
	}
	for _, m := range models {
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %s", m.ID)
		}
		c.byID[m.ID] = len(c.models)
		c.models = append(c.models, m)
	}
	if _, ok := c.byID[defaultID]; !ok {
		return nil, fmt.Errorf("default model %s not in catalog", defaultID)
	}
	if c.vision == "" {
		for _, m := range c.models {
			if m.Multimodal {
				c.vision = m.ID
				break
			}
		}
	}
	if i, ok := c.byID[c.vision]; !ok || !c.models[i].Multimodal {
		return nil, fmt.Errorf("no multimodal model available for image turns")
	}
	return c, nil
}

// CatalogFromConfig builds the catalog from configuration.
func CatalogFromConfig(cfg *config.Config) (*Catalog, error) {
	models := make([]Model, 0, len(cfg.Inference.Models))
	for _, m := range cfg.Inference.Models {
		models = append(models, Model{
			ID:          m.ID,
			Name:        m.Name,
			Engine:      m.Engine,
			Multimodal:  m.Multimodal,
			ThinkToggle: m.ThinkToggle,
		})
	}
	return NewCatalog(models, cfg.Session.DefaultModel, cfg.Inference.VisionModel)
}

// Lookup returns the model with the given id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Model{}, false
	}
	return c.models[i], true
}

// Default returns the model new profiles start with.
func (c *Catalog) Default() Model {
	return c.models[c.byID[c.def]]
}

// Vision returns the model substituted for image turns.
func (c *Catalog) Vision() Model {
	return c.models[c.byID[c.vision]]
}

// List returns the models in configuration order.
func (c *Catalog) List() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}
