package flowline

import (
	"strings"
	"time"
)

// Definition is a tenant-scoped, versioned workflow template. Once a version
// is published its JSONDefinition text is immutable; structural changes
// require a new version row linked through ParentDefinitionID.
type Definition struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	JSONDefinition     string    `json:"json_definition"`
	Version            int       `json:"version"`
	IsPublished        bool      `json:"is_published"`
	PublishedAt        time.Time `json:"published_at,omitzero"`
	Tags               []string  `json:"tags,omitempty"`
	ParentDefinitionID string    `json:"parent_definition_id,omitempty"`
	CreatedAt          time.Time `json:"created_at,omitzero"`
	UpdatedAt          time.Time `json:"updated_at,omitzero"`

	// publishedJSON snapshots the definition text as it was at publish
	// time, so a force re-publish can verify the content is byte-identical.
	publishedJSON string
}

// Copy returns a shallow copy of the definition with its own tags slice.
func (d *Definition) Copy() *Definition {
	copied := *d
	copied.Tags = append([]string(nil), d.Tags...)
	return &copied
}

// MarkPublished flips the definition to published and snapshots the current
// content for later immutability checks.
func (d *Definition) MarkPublished(now time.Time) {
	d.IsPublished = true
	d.PublishedAt = now
	d.publishedJSON = d.JSONDefinition
}

// PublishedJSON returns the content snapshot taken at publish time. Empty
// for definitions that have never been published in this process; stores
// that persist the snapshot restore it on load.
func (d *Definition) PublishedJSON() string {
	return d.publishedJSON
}

// RestorePublishedJSON reinstates a persisted publish-time snapshot.
func (d *Definition) RestorePublishedJSON(text string) {
	d.publishedJSON = text
}

// TagString returns the comma-joined tag list used for substring tag
// filtering.
func (d *Definition) TagString() string {
	return strings.Join(d.Tags, ",")
}

// DefinitionSortKey selects the ordering of definition list results.
type DefinitionSortKey string

const (
	SortByName        DefinitionSortKey = "name"
	SortByVersion     DefinitionSortKey = "version"
	SortByPublishedAt DefinitionSortKey = "publishedAt"
	SortByCreatedAt   DefinitionSortKey = "createdAt"
)

// DefinitionQuery filters and orders definition list results. Search is a
// case-insensitive substring match over name and description; Tag is a
// substring match over the comma-joined tag string.
type DefinitionQuery struct {
	Search      string
	Tag         string
	IsPublished *bool
	SortBy      DefinitionSortKey
	Descending  bool
}
