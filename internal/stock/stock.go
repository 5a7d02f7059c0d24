// Package stock holds the stock record model and its Postgres
// persistence. Records are tenant scoped; stock IDs are unique per
// tenant and generated when an import does not supply one.
package stock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stock origins.
const (
	OriginInternal   = "internal"
	OriginRepository = "repository"
	OriginExternal   = "external"
)

// ErrDuplicateStockID is returned when a stock ID already exists for the tenant.
var ErrDuplicateStockID = errors.New("stock ID already exists")

// ValidationError describes a rejected field on a create request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Stock is one fly stock record.
type Stock struct {
	ID                string
	TenantID          string
	StockID           string
	Genotype          string
	Origin            string
	Repository        string
	RepositoryStockID string
	ExternalSource    string
	OriginalGenotype  string
	Notes             string
	Tags              []string
	Tray              string
	Position          string
	ExternalMetadata  map[string]string
	IsActive          bool
	CreatedAt         time.Time
	ModifiedAt        time.Time
}

// CreateParams carries everything needed to insert one stock.
// An empty StockID asks the repository to assign the next generated ID.
type CreateParams struct {
	TenantID          string
	StockID           string
	Genotype          string
	Origin            string
	Repository        string
	RepositoryStockID string
	ExternalSource    string
	OriginalGenotype  string
	Notes             string
	Tags              []string
	Tray              string
	Position          string
	AutoCreateTray    bool
	ExternalMetadata  map[string]string
}

// Validate checks the params before they reach the database.
// A stock needs either a genotype or a repository stock ID to be
// identifiable later.
func (p *CreateParams) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(p.Genotype) == "" && strings.TrimSpace(p.RepositoryStockID) == "" {
		return &ValidationError{Field: "genotype", Reason: "a genotype or a repository stock ID is required"}
	}
	switch p.Origin {
	case "", OriginInternal, OriginRepository, OriginExternal:
	default:
		return &ValidationError{Field: "origin", Reason: fmt.Sprintf("unknown origin %q", p.Origin)}
	}
	return nil
}
