package ai

import "neuropulse/internal/config"

// Model is one selectable completion model.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MaxTokens int    `json:"max_tokens"`
}

// Catalog lists the models a user may pick from.
type Catalog struct {
	Models       []Model `json:"models"`
	DefaultModel string  `json:"default_model"`
}

// CatalogFromConfig builds a catalog from the configured model list.
func CatalogFromConfig(cfg *config.Config) Catalog {
	cat := Catalog{DefaultModel: cfg.Provider.DefaultModel}
	for _, m := range cfg.Models {
		cat.Models = append(cat.Models, Model{ID: m.ID, Name: m.Name, MaxTokens: m.MaxTokens})
	}
	return cat
}

// Lookup finds a model by id.
func (c Catalog) Lookup(id string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Resolve returns the model for id, falling back to the default model.
func (c Catalog) Resolve(id string) Model {
	if m, ok := c.Lookup(id); ok {
		return m
	}
	if m, ok := c.Lookup(c.DefaultModel); ok {
		return m
	}
	return Model{ID: c.DefaultModel, Name: c.DefaultModel}
}
