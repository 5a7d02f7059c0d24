// Package importer implements the two-phase stock import pipeline:
// phase one normalizes uploaded rows, detects conflicts against the
// tenant's collection and public repositories, commits the clean rows
// and parks the rest in an expiring session; phase two applies the
// user's resolutions to the parked rows and commits them.
package importer

import "context"

// ConflictType classifies why a row needs human review.
type ConflictType string

const (
	ConflictCoalesce         ConflictType = "coalesce_conflict"
	ConflictGenotypeMismatch ConflictType = "genotype_mismatch"
	ConflictDuplicateStock   ConflictType = "duplicate_stock"
	ConflictMissingRequired  ConflictType = "missing_required"
	ConflictValidation       ConflictType = "validation_error"
	ConflictLLMFlagged       ConflictType = "llm_flagged"
	ConflictRepositoryMatch  ConflictType = "potential_repository_match"
)

// Conflict is one detected problem on one row.
type Conflict struct {
	Type        ConflictType      `json:"conflict_type"`
	Field       string            `json:"field"`
	Values      map[string]string `json:"values,omitempty"`
	RemoteValue string            `json:"remote_value,omitempty"`
	Message     string            `json:"message"`
	Detector    string            `json:"detector"`
	Confidence  float64           `json:"confidence,omitempty"`
	Suggestion  string            `json:"suggestion,omitempty"`
}

// ConflictingRow is a row held back from commit, carrying everything
// phase two needs to re-materialize it: the raw file row, the
// normalized fields and the detected conflicts. RowIndex is 1-based.
type ConflictingRow struct {
	RowIndex         int               `json:"row_index"`
	OriginalRow      map[string]string `json:"original_row"`
	Fields           map[string]string `json:"transformed_row"`
	OriginalGenotype string            `json:"original_genotype,omitempty"`
	Conflicts        []Conflict        `json:"conflicts"`
}

// Detector inspects one normalized row against the detection context.
// Implementations must not mutate the row or the context.
type Detector interface {
	Name() string
	Detect(ctx context.Context, row TransformedRow, rowIndex int, dc *DetectionContext) []Conflict
}

// summarize counts conflicts per type across rows.
func summarize(rows []ConflictingRow) map[ConflictType]int {
	summary := make(map[ConflictType]int)
	for _, r := range rows {
		for _, c := range r.Conflicts {
			summary[c.Type]++
		}
	}
	return summary
}
