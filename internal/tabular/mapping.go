// Package tabular parses uploaded stock collection files (CSV and Excel)
// into header-keyed rows and provides the column-to-field mapping types
// used by the import pipeline.
package tabular

import "strings"

// FieldMapping binds one source column to one canonical stock field.
// A target field may appear in multiple mappings; the import pipeline
// coalesces the values and flags disagreements.
type FieldMapping struct {
	SourceColumn string `json:"column_name"`
	TargetField  string `json:"target_field"`
}

// Canonical target fields a mapping may point at.
const (
	FieldStockID           = "stock_id"
	FieldGenotype          = "genotype"
	FieldOrigin            = "origin"
	FieldRepository        = "repository"
	FieldRepositoryStockID = "repository_stock_id"
	FieldExternalSource    = "external_source"
	FieldNotes             = "notes"
	FieldTags              = "tags"
	FieldTray              = "tray"
	FieldPosition          = "position"
)

// knownFields is the set of accepted mapping targets.
var knownFields = map[string]bool{
	FieldStockID:           true,
	FieldGenotype:          true,
	FieldOrigin:            true,
	FieldRepository:        true,
	FieldRepositoryStockID: true,
	FieldExternalSource:    true,
	FieldNotes:             true,
	FieldTags:              true,
	FieldTray:              true,
	FieldPosition:          true,
}

// IsKnownField reports whether target is a recognized stock field.
func IsKnownField(target string) bool {
	return knownFields[strings.ToLower(strings.TrimSpace(target))]
}

// repositoryAliases normalizes the common ways collections spell
// public stock center names.
var repositoryAliases = map[string]string{
	"bloomington": "BDSC",
	"bdsc":        "BDSC",
	"b":           "BDSC",
	"vdrc":        "VDRC",
	"vienna":      "VDRC",
	"kyoto":       "Kyoto",
	"dgrc":        "Kyoto",
	"nig":         "NIG-Fly",
	"nig-fly":     "NIG-Fly",
	"flyorf":      "FlyORF",
	"zurich":      "FlyORF",
}

// NormalizeRepository maps free-form repository spellings to their
// canonical short names. Unknown values are returned trimmed but
// otherwise unchanged.
func NormalizeRepository(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if canonical, ok := repositoryAliases[strings.ToLower(s)]; ok {
		return canonical
	}
	return s
}

// InferOrigin decides a stock's origin when the file does not state one.
// A repository stock ID implies a repository stock; an external source
// implies an externally obtained stock; everything else is internal.
func InferOrigin(fields map[string]string) string {
	if o := strings.ToLower(strings.TrimSpace(fields[FieldOrigin])); o != "" {
		return o
	}
	if strings.TrimSpace(fields[FieldRepositoryStockID]) != "" {
		return "repository"
	}
	if strings.TrimSpace(fields[FieldExternalSource]) != "" {
		return "external"
	}
	return "internal"
}

// ParseTags splits a free-form tag cell on commas and semicolons,
// dropping empties and surrounding whitespace.
func ParseTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	split := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
	tags := make([]string, 0, len(split))
	seen := make(map[string]bool, len(split))
	for _, t := range split {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		tags = append(tags, t)
	}
	return tags
}
