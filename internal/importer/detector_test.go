package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/flylab/stockbook/internal/flybase"
)

func emptyContext() *DetectionContext {
	return &DetectionContext{
		ExistingStockIDs:  map[string]struct{}{},
		RemoteMetadata:    map[string]string{},
		RepositoryMatches: map[int][]flybase.Match{},
	}
}

func cleanRow(fields map[string]string) TransformedRow {
	return TransformedRow{Fields: fields, Source: fields}
}

func TestRuleDetector_CleanRow(t *testing.T) {
	d := NewRuleBasedDetector()
	row := cleanRow(map[string]string{"stock_id": "A-1", "genotype": "w[1118]"})

	if got := d.Detect(context.Background(), row, 1, emptyContext()); len(got) != 0 {
		t.Errorf("Detect() = %v, want no conflicts", got)
	}
}

func TestRuleDetector_CoalesceConflict(t *testing.T) {
	d := NewRuleBasedDetector()
	row := TransformedRow{
		Fields: map[string]string{"genotype": "w[1118]"},
		Coalesces: []CoalesceEntry{{
			Field:   "genotype",
			Columns: map[string]string{"Genotype A": "w[1118]", "Genotype B": "yw"},
		}},
	}

	conflicts := d.Detect(context.Background(), row, 3, emptyContext())
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Type != ConflictCoalesce {
		t.Errorf("Type = %q, want %q", c.Type, ConflictCoalesce)
	}
	if c.Field != "genotype" {
		t.Errorf("Field = %q, want %q", c.Field, "genotype")
	}
	if c.Values["Genotype B"] != "yw" {
		t.Errorf("Values = %v, want column values carried over", c.Values)
	}
	if !strings.Contains(c.Message, "row 3") {
		t.Errorf("Message = %q, should name the row", c.Message)
	}
}

func TestRuleDetector_GenotypeMismatch(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.RemoteMetadata["3605"] = "w[1118]"

	row := cleanRow(map[string]string{
		"genotype":            "y[1] w[*]",
		"repository_stock_id": "3605",
	})

	conflicts := d.Detect(context.Background(), row, 1, dc)
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1: %v", len(conflicts), conflicts)
	}
	c := conflicts[0]
	if c.Type != ConflictGenotypeMismatch {
		t.Errorf("Type = %q, want %q", c.Type, ConflictGenotypeMismatch)
	}
	if c.Field != "genotype" {
		t.Errorf("Field = %q, want genotype", c.Field)
	}
	if c.RemoteValue != "w[1118]" {
		t.Errorf("RemoteValue = %q, want %q", c.RemoteValue, "w[1118]")
	}
	if c.Values["local"] != "y[1] w[*]" {
		t.Errorf("Values[local] = %q, want the local genotype", c.Values["local"])
	}
}

func TestRuleDetector_GenotypeMatchIgnoresCaseAndSpacing(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.RemoteMetadata["3605"] = "W[1118];  Dr/TM3"

	row := cleanRow(map[string]string{
		"genotype":            "w[1118]; dr/tm3",
		"repository_stock_id": "3605",
	})

	if got := d.Detect(context.Background(), row, 1, dc); len(got) != 0 {
		t.Errorf("Detect() = %v, want no mismatch for formatting differences", got)
	}
}

func TestRuleDetector_GenotypeMismatchNeedsBothValues(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.RemoteMetadata["3605"] = "w[1118]"

	// No local genotype: nothing to compare, and the repository ID
	// satisfies the identity requirement.
	row := cleanRow(map[string]string{"repository_stock_id": "3605"})
	if got := d.Detect(context.Background(), row, 1, dc); len(got) != 0 {
		t.Errorf("Detect() = %v, want none without a local genotype", got)
	}

	// Metadata absent for the ID: the rule stays quiet.
	row = cleanRow(map[string]string{"genotype": "yw", "repository_stock_id": "9999"})
	if got := d.Detect(context.Background(), row, 1, dc); len(got) != 0 {
		t.Errorf("Detect() = %v, want none without remote metadata", got)
	}
}

func TestRuleDetector_DuplicateStockID(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.ExistingStockIDs["A-001"] = struct{}{}

	row := cleanRow(map[string]string{"stock_id": "A-001", "genotype": "yw"})

	conflicts := d.Detect(context.Background(), row, 2, dc)
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Type != ConflictDuplicateStock {
		t.Errorf("Type = %q, want %q", c.Type, ConflictDuplicateStock)
	}
	if c.Field != "stock_id" {
		t.Errorf("Field = %q, want stock_id", c.Field)
	}
	if c.Values["stock_id"] != "A-001" {
		t.Errorf("Values[stock_id] = %q, want %q", c.Values["stock_id"], "A-001")
	}
}

func TestRuleDetector_MissingRequired(t *testing.T) {
	d := NewRuleBasedDetector()
	row := cleanRow(map[string]string{"stock_id": "A-9", "notes": "no identity"})

	conflicts := d.Detect(context.Background(), row, 4, emptyContext())
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Type != ConflictMissingRequired {
		t.Errorf("Type = %q, want %q", c.Type, ConflictMissingRequired)
	}
	if !strings.Contains(c.Field, "genotype") {
		t.Errorf("Field = %q, should mention genotype", c.Field)
	}
}

func TestRuleDetector_RepositoryMatch(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.RepositoryMatches[1] = []flybase.Match{
		{Repository: "bdsc", StockID: "3605", Genotype: "w[1118]", Score: 0.97},
		{Repository: "VDRC", StockID: "60000", Genotype: "w[1118]", Score: 0.91},
	}

	row := cleanRow(map[string]string{"genotype": "w[1118]"})

	conflicts := d.Detect(context.Background(), row, 1, dc)
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Type != ConflictRepositoryMatch {
		t.Errorf("Type = %q, want %q", c.Type, ConflictRepositoryMatch)
	}
	if c.Field != "origin" {
		t.Errorf("Field = %q, want origin", c.Field)
	}
	if c.Values["repository"] != "BDSC" {
		t.Errorf("Values[repository] = %q, want uppercased BDSC", c.Values["repository"])
	}
	if c.Values["repository_stock_id"] != "3605" {
		t.Errorf("Values[repository_stock_id] = %q, want best match only", c.Values["repository_stock_id"])
	}
	if c.Confidence != 0.97 {
		t.Errorf("Confidence = %v, want best match score", c.Confidence)
	}
}

func TestRuleDetector_RepositoryMatchSkippedForRepositoryRows(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.RepositoryMatches[1] = []flybase.Match{{Repository: "BDSC", StockID: "3605", Score: 1}}

	row := cleanRow(map[string]string{
		"genotype":            "w[1118]",
		"origin":              "repository",
		"repository_stock_id": "3605",
	})

	if got := d.Detect(context.Background(), row, 1, dc); len(got) != 0 {
		t.Errorf("Detect() = %v, want no suggestion for labeled repository stock", got)
	}
}

func TestRuleDetector_RepositoryMatchSkippedForMixedCaseOrigin(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.RepositoryMatches[1] = []flybase.Match{{Repository: "BDSC", StockID: "3605", Score: 1}}

	row := cleanRow(map[string]string{
		"genotype": "w[1118]",
		"origin":   " Repository ",
	})

	if got := d.Detect(context.Background(), row, 1, dc); len(got) != 0 {
		t.Errorf("Detect() = %v, want origin label folded before the gate", got)
	}
}

func TestRuleDetector_MultipleConflictsOnOneRow(t *testing.T) {
	d := NewRuleBasedDetector()
	dc := emptyContext()
	dc.ExistingStockIDs["DUP-1"] = struct{}{}

	row := cleanRow(map[string]string{"stock_id": "DUP-1"})

	conflicts := d.Detect(context.Background(), row, 1, dc)
	if len(conflicts) != 2 {
		t.Fatalf("len(conflicts) = %d, want duplicate and missing-required", len(conflicts))
	}
	types := map[ConflictType]bool{}
	for _, c := range conflicts {
		types[c.Type] = true
	}
	if !types[ConflictDuplicateStock] || !types[ConflictMissingRequired] {
		t.Errorf("conflict types = %v, want both duplicate_stock and missing_required", types)
	}
}

// stubDetector returns canned conflicts for composite tests.
type stubDetector struct {
	name      string
	conflicts []Conflict
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(context.Context, TransformedRow, int, *DetectionContext) []Conflict {
	return s.conflicts
}

func TestCompositeDetector_Aggregates(t *testing.T) {
	first := &stubDetector{name: "first", conflicts: []Conflict{{Type: ConflictValidation, Field: "a"}}}
	second := &stubDetector{name: "second", conflicts: []Conflict{{Type: ConflictLLMFlagged, Field: "b", Detector: "already-set"}}}
	c := NewCompositeDetector(first, second)

	conflicts := c.Detect(context.Background(), cleanRow(nil), 1, emptyContext())
	if len(conflicts) != 2 {
		t.Fatalf("len(conflicts) = %d, want 2", len(conflicts))
	}
	if conflicts[0].Detector != "first" {
		t.Errorf("Detector = %q, want stamped with detector name", conflicts[0].Detector)
	}
	if conflicts[1].Detector != "already-set" {
		t.Errorf("Detector = %q, want existing attribution kept", conflicts[1].Detector)
	}
}

func TestDetectAll_ReturnsOnlyConflictingRows(t *testing.T) {
	c := NewCompositeDetector(NewRuleBasedDetector())
	dc := emptyContext()
	dc.ExistingStockIDs["DUP-1"] = struct{}{}

	rows := []TransformedRow{
		cleanRow(map[string]string{"stock_id": "OK-1", "genotype": "yw"}),
		cleanRow(map[string]string{"stock_id": "DUP-1", "genotype": "w[1118]"}),
		cleanRow(map[string]string{"genotype": "sco/cyo"}),
	}

	conflicting := c.DetectAll(context.Background(), rows, dc)
	if len(conflicting) != 1 {
		t.Fatalf("len(conflicting) = %d, want 1", len(conflicting))
	}
	cr := conflicting[0]
	if cr.RowIndex != 2 {
		t.Errorf("RowIndex = %d, want 2 (1-based)", cr.RowIndex)
	}
	if cr.Fields["stock_id"] != "DUP-1" {
		t.Errorf("Fields = %v, want transformed row carried", cr.Fields)
	}
	if cr.OriginalRow["stock_id"] != "DUP-1" {
		t.Errorf("OriginalRow = %v, want raw row carried", cr.OriginalRow)
	}
}

func TestDetectAll_RecordsGenotypeOnMismatch(t *testing.T) {
	c := NewCompositeDetector(NewRuleBasedDetector())
	dc := emptyContext()
	dc.RemoteMetadata["BL-123"] = "w[1118]"
	dc.ExistingStockIDs["DUP-1"] = struct{}{}

	rows := []TransformedRow{
		cleanRow(map[string]string{"genotype": "yw", "repository_stock_id": "BL-123"}),
		cleanRow(map[string]string{"stock_id": "DUP-1", "genotype": "sco/cyo"}),
	}

	conflicting := c.DetectAll(context.Background(), rows, dc)
	if len(conflicting) != 2 {
		t.Fatalf("len(conflicting) = %d, want 2", len(conflicting))
	}
	if conflicting[0].OriginalGenotype != "yw" {
		t.Errorf("OriginalGenotype = %q, want file genotype kept on mismatch", conflicting[0].OriginalGenotype)
	}
	if conflicting[1].OriginalGenotype != "" {
		t.Errorf("OriginalGenotype = %q, want empty without a mismatch", conflicting[1].OriginalGenotype)
	}
}

func TestDetectAll_Deterministic(t *testing.T) {
	c := NewCompositeDetector(NewRuleBasedDetector())
	dc := emptyContext()
	dc.ExistingStockIDs["DUP-1"] = struct{}{}

	rows := []TransformedRow{
		cleanRow(map[string]string{"stock_id": "DUP-1", "genotype": "yw"}),
	}

	a := c.DetectAll(context.Background(), rows, dc)
	b := c.DetectAll(context.Background(), rows, dc)
	if len(a) != len(b) || a[0].Conflicts[0].Type != b[0].Conflicts[0].Type {
		t.Error("DetectAll() is not deterministic for identical input")
	}
}

func TestSummarize(t *testing.T) {
	rows := []ConflictingRow{
		{Conflicts: []Conflict{{Type: ConflictDuplicateStock}, {Type: ConflictMissingRequired}}},
		{Conflicts: []Conflict{{Type: ConflictDuplicateStock}}},
	}

	summary := summarize(rows)
	if summary[ConflictDuplicateStock] != 2 {
		t.Errorf("duplicate_stock count = %d, want 2", summary[ConflictDuplicateStock])
	}
	if summary[ConflictMissingRequired] != 1 {
		t.Errorf("missing_required count = %d, want 1", summary[ConflictMissingRequired])
	}
	if len(summary) != 2 {
		t.Errorf("summary has %d keys, want 2", len(summary))
	}
}
