package importer

import (
	"strings"

	"github.com/flylab/stockbook/internal/tabular"
)

// CoalesceEntry records that several source columns fed the same
// target field with disagreeing values. Columns maps each source
// column to the value it held.
type CoalesceEntry struct {
	Field   string            `json:"field"`
	Columns map[string]string `json:"columns"`
}

// TransformedRow is the normalized form of one file row. Fields holds
// the canonical field values, Source the raw row as parsed from the
// file. Coalesces lists the fields whose source columns disagreed.
type TransformedRow struct {
	Fields    map[string]string
	Coalesces []CoalesceEntry
	Source    map[string]string
}

// NormalizeRow applies the column mappings to one raw row. Mappings
// are applied in order; the first non-empty value wins a field and
// later differing non-empty values become coalesce entries instead of
// silently overwriting. Values are whitespace trimmed; empty values
// never override.
func NormalizeRow(raw map[string]string, mappings []tabular.FieldMapping) TransformedRow {
	fields := make(map[string]string, len(mappings))
	contributors := make(map[string]map[string]string)

	for _, m := range mappings {
		target := strings.ToLower(strings.TrimSpace(m.TargetField))
		if target == "" {
			continue
		}
		value := strings.TrimSpace(raw[m.SourceColumn])
		if value == "" {
			continue
		}

		if contributors[target] == nil {
			contributors[target] = make(map[string]string)
		}
		contributors[target][m.SourceColumn] = value

		if _, taken := fields[target]; !taken {
			fields[target] = value
		}
	}

	var coalesces []CoalesceEntry
	for _, m := range mappings {
		target := strings.ToLower(strings.TrimSpace(m.TargetField))
		cols := contributors[target]
		if len(cols) < 2 || !valuesDiffer(cols) {
			continue
		}
		// Emit each conflicted field once, in mapping order.
		contributors[target] = nil
		coalesces = append(coalesces, CoalesceEntry{Field: target, Columns: cols})
	}

	source := make(map[string]string, len(raw))
	for k, v := range raw {
		source[k] = v
	}

	return TransformedRow{Fields: fields, Coalesces: coalesces, Source: source}
}

// valuesDiffer reports whether the contributing columns disagree.
func valuesDiffer(cols map[string]string) bool {
	var first string
	started := false
	for _, v := range cols {
		if !started {
			first = v
			started = true
			continue
		}
		if v != first {
			return true
		}
	}
	return false
}
