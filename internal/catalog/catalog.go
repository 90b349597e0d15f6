// Package catalog provides read-only access to project metadata. Two drivers
// implement the same interface: a directory of JSON project files (with
// optional hot reload) and a Postgres table for deployments that keep the
// catalog in a database.
package catalog

import (
	"context"
	"encoding/json"
)

// Project is one catalog entry: display metadata plus the transport defaults
// the project declares. Tempo is nil when the project declares none, and
// TimeSignature is the raw "N/D" string from the source, empty when absent.
// Document carries the complete source document so the API can serve the full
// project body, not just the extracted fields.
type Project struct {
	ID            string          `json:"id"`
	DisplayName   string          `json:"displayName"`
	Artist        string          `json:"artist"`
	Tempo         *float64        `json:"tempo,omitempty"`
	TimeSignature string          `json:"timeSig,omitempty"`
	Document      json.RawMessage `json:"-"`
}

// Catalog is the read-only surface consumed by the rest of the service.
type Catalog interface {
	// GetProject returns the project for the given id.
	GetProject(id string) (Project, bool)
	// ListProjects returns every project sorted by id.
	ListProjects() []Project
	// Ping reports whether the backing source is reachable.
	Ping(ctx context.Context) error
	// Close releases driver resources.
	Close(ctx context.Context) error
}
