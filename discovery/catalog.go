// Package discovery holds the catalog of priced endpoints advertised at
// /discovery/resources. Entries are schema-validated on registration so
// malformed listings never reach clients.
package discovery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Resource is one priced endpoint listing.
type Resource struct {
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	PayTo       string `json:"payTo"`
	MimeType    string `json:"mimeType,omitempty"`
}

var resourceSchema = []byte(`{
	"type": "object",
	"required": ["resource", "network", "asset", "amount", "payTo"],
	"properties": {
		"resource":    {"type": "string", "format": "uri", "minLength": 1},
		"description": {"type": "string"},
		"network":     {"type": "string", "pattern": "^[a-z0-9-]+(:[a-zA-Z0-9-]+)?$"},
		"asset":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"amount":      {"type": "string", "pattern": "^[0-9]+$"},
		"payTo":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"mimeType":    {"type": "string"}
	}
}`)

// Catalog is a concurrency-safe resource listing.
type Catalog struct {
	mu        sync.RWMutex
	resources []Resource
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// Add validates the entry against the resource schema and appends it.
func (c *Catalog) Add(r Resource) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(resourceSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("resource validation failed: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("invalid resource listing: %s", result.Errors()[0].String())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, r)
	return nil
}

// List returns a snapshot of the catalog.
func (c *Catalog) List() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Resource, len(c.resources))
	copy(out, c.resources)
	return out
}
