package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/flylab/stockbook/internal/tabular"
)

// RuleBasedDetector applies the deterministic conflict rules: column
// coalescing, genotype mismatches against repository metadata,
// duplicate stock IDs, missing required identity and likely unlabeled
// repository stocks.
type RuleBasedDetector struct{}

// NewRuleBasedDetector returns the deterministic detector.
func NewRuleBasedDetector() *RuleBasedDetector {
	return &RuleBasedDetector{}
}

func (d *RuleBasedDetector) Name() string { return "rule" }

// Detect runs every rule against one row. Rules are independent; a row
// can accumulate several conflicts in one pass.
func (d *RuleBasedDetector) Detect(_ context.Context, row TransformedRow, rowIndex int, dc *DetectionContext) []Conflict {
	var conflicts []Conflict

	for _, entry := range row.Coalesces {
		conflicts = append(conflicts, Conflict{
			Type:     ConflictCoalesce,
			Field:    entry.Field,
			Values:   entry.Columns,
			Message:  fmt.Sprintf("row %d: columns mapped to %q disagree", rowIndex, entry.Field),
			Detector: d.Name(),
		})
	}

	genotype := row.Fields[tabular.FieldGenotype]
	repoStockID := row.Fields[tabular.FieldRepositoryStockID]

	if genotype != "" && repoStockID != "" {
		if remote, ok := dc.RemoteMetadata[repoStockID]; ok {
			if normalizeGenotype(genotype) != normalizeGenotype(remote) {
				conflicts = append(conflicts, Conflict{
					Type:        ConflictGenotypeMismatch,
					Field:       tabular.FieldGenotype,
					Values:      map[string]string{"local": genotype},
					RemoteValue: remote,
					Message:     fmt.Sprintf("row %d: genotype differs from repository record %s", rowIndex, repoStockID),
					Detector:    d.Name(),
				})
			}
		}
	}

	if stockID := row.Fields[tabular.FieldStockID]; stockID != "" {
		if _, exists := dc.ExistingStockIDs[stockID]; exists {
			conflicts = append(conflicts, Conflict{
				Type:     ConflictDuplicateStock,
				Field:    tabular.FieldStockID,
				Values:   map[string]string{"stock_id": stockID},
				Message:  fmt.Sprintf("row %d: stock ID %q already exists in this collection", rowIndex, stockID),
				Detector: d.Name(),
			})
		}
	}

	if genotype == "" && repoStockID == "" {
		conflicts = append(conflicts, Conflict{
			Type:     ConflictMissingRequired,
			Field:    "genotype/repository_stock_id",
			Message:  fmt.Sprintf("row %d: needs a genotype or a repository stock ID", rowIndex),
			Detector: d.Name(),
		})
	}

	if strings.ToLower(strings.TrimSpace(row.Fields[tabular.FieldOrigin])) != "repository" && repoStockID == "" {
		if matches := dc.RepositoryMatches[rowIndex]; len(matches) > 0 {
			best := matches[0]
			conflicts = append(conflicts, Conflict{
				Type:  ConflictRepositoryMatch,
				Field: tabular.FieldOrigin,
				Values: map[string]string{
					"repository":          strings.ToUpper(best.Repository),
					"repository_stock_id": best.StockID,
				},
				Message:    fmt.Sprintf("row %d: genotype closely matches %s stock %s", rowIndex, strings.ToUpper(best.Repository), best.StockID),
				Detector:   d.Name(),
				Confidence: best.Score,
				Suggestion: fmt.Sprintf("mark as repository stock %s %s", strings.ToUpper(best.Repository), best.StockID),
			})
		}
	}

	return conflicts
}

// CompositeDetector fans one row out to every configured detector and
// concatenates their findings in detector order.
type CompositeDetector struct {
	detectors []Detector
}

// NewCompositeDetector builds a composite over the given detectors.
func NewCompositeDetector(detectors ...Detector) *CompositeDetector {
	return &CompositeDetector{detectors: detectors}
}

func (c *CompositeDetector) Name() string { return "composite" }

// Detect runs all detectors against one row.
func (c *CompositeDetector) Detect(ctx context.Context, row TransformedRow, rowIndex int, dc *DetectionContext) []Conflict {
	var conflicts []Conflict
	for _, d := range c.detectors {
		for _, conflict := range d.Detect(ctx, row, rowIndex, dc) {
			if conflict.Detector == "" {
				conflict.Detector = d.Name()
			}
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts
}

// DetectAll evaluates a batch and returns only the rows that conflict,
// in input order, with 1-based row indexes. Clean rows are absent.
func (c *CompositeDetector) DetectAll(ctx context.Context, rows []TransformedRow, dc *DetectionContext) []ConflictingRow {
	var conflicting []ConflictingRow
	for i, row := range rows {
		rowIndex := i + 1
		conflicts := c.Detect(ctx, row, rowIndex, dc)
		if len(conflicts) == 0 {
			continue
		}
		cr := ConflictingRow{
			RowIndex:    rowIndex,
			OriginalRow: row.Source,
			Fields:      cloneFields(row.Fields),
			Conflicts:   conflicts,
		}
		// Remember the file's genotype when it disagrees with the
		// repository record, so an accepted remote value does not
		// erase what the lab wrote down.
		for _, c := range conflicts {
			if c.Type == ConflictGenotypeMismatch {
				cr.OriginalGenotype = row.Fields[tabular.FieldGenotype]
				break
			}
		}
		conflicting = append(conflicting, cr)
	}
	return conflicting
}

// cloneFields copies a field map so session rows stay independent of
// the batch they came from.
func cloneFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// normalizeGenotype folds case and collapses whitespace runs so
// formatting noise does not read as a scientific difference.
func normalizeGenotype(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
