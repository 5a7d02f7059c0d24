package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flylab/stockbook/internal/logging"
	"github.com/flylab/stockbook/internal/stock"
	"github.com/flylab/stockbook/internal/tabular"
)

// ErrSessionNotFound is returned when phase two references a session
// that does not exist, expired or belongs to another tenant.
var ErrSessionNotFound = errors.New("import session not found or expired")

// ImportConfig carries the per-import settings chosen in the upload form.
type ImportConfig struct {
	// FetchMetadata enables remote repository lookups during detection.
	FetchMetadata bool `json:"fetch_metadata"`

	// AutoCreateTrays creates missing storage trays named in the file.
	AutoCreateTrays bool `json:"auto_create_trays"`

	// EnableLLMDetector adds the advisory LLM reviewer to the pass.
	EnableLLMDetector bool `json:"enable_llm_detector"`
}

// Resolution actions accepted in phase two.
const (
	ResolutionSkip     = "skip"
	ResolutionUseValue = "use_value"
	ResolutionManual   = "manual"
)

// ConflictResolution is the user's decision for one conflicting row.
// FieldValues overlays the stored transformed row for use_value and
// manual actions; keys with a leading underscore are reserved markers,
// not stock fields.
type ConflictResolution struct {
	RowIndex    int               `json:"row_index"`
	Action      string            `json:"action"`
	FieldValues map[string]string `json:"field_values,omitempty"`
}

// Reserved marker keys accepted in resolution field values.
const (
	markerFlagNote         = "_flag_note"
	markerFlagTag          = "_flag_tag"
	markerOriginalGenotype = "_original_genotype"
)

// resolutionMarkers is the typed form of the reserved marker keys.
type resolutionMarkers struct {
	flagNote         string
	flagTag          string
	originalGenotype string
}

// RowError reports why one row failed to commit.
type RowError struct {
	RowIndex int      `json:"row_index"`
	Errors   []string `json:"errors"`
}

// Phase1Result is the outcome of the detection-and-commit pass.
// SessionID is empty when every row imported cleanly.
type Phase1Result struct {
	ImportedCount    int                  `json:"imported_count"`
	ImportedStockIDs []string             `json:"imported_stock_ids"`
	ConflictingRows  []ConflictingRow     `json:"conflicting_rows"`
	ConflictSummary  map[ConflictType]int `json:"conflict_summary"`
	SessionID        string               `json:"session_id"`
	Errors           []RowError           `json:"errors,omitempty"`
}

// Phase2Result is the outcome of applying resolutions to a session.
type Phase2Result struct {
	ImportedCount int        `json:"imported_count"`
	SkippedCount  int        `json:"skipped_count"`
	Errors        []RowError `json:"errors"`
	Message       string     `json:"message"`
}

// RecordCreator commits one stock record. *stock.Repository satisfies it.
type RecordCreator interface {
	Create(ctx context.Context, p stock.CreateParams) (*stock.Stock, error)
}

// Service orchestrates both import phases.
type Service struct {
	builder  *ContextBuilder
	sessions *SessionStore
	records  RecordCreator
	limiter  *ImportLimiter
	llm      Detector
}

// NewService wires the pipeline. The limiter and llm detector are
// optional; pass nil to run unbounded or rules-only.
func NewService(builder *ContextBuilder, sessions *SessionStore, records RecordCreator, limiter *ImportLimiter, llm Detector) *Service {
	return &Service{
		builder:  builder,
		sessions: sessions,
		records:  records,
		limiter:  limiter,
		llm:      llm,
	}
}

// Sessions exposes the session store, mainly for sweeping.
func (s *Service) Sessions() *SessionStore { return s.sessions }

// detectorFor assembles the detector set for one import.
func (s *Service) detectorFor(cfg ImportConfig) *CompositeDetector {
	detectors := []Detector{NewRuleBasedDetector()}
	if cfg.EnableLLMDetector && s.llm != nil {
		detectors = append(detectors, s.llm)
	}
	return NewCompositeDetector(detectors...)
}

// ExecutePhase1 normalizes the parsed rows, detects conflicts against
// the tenant's collection, commits the clean rows immediately and
// parks the conflicting ones in a session. Clean rows that still fail
// to commit surface as per-row errors, not as a failed import.
func (s *Service) ExecutePhase1(ctx context.Context, tenantID string, raws []map[string]string, mappings []tabular.FieldMapping, cfg ImportConfig) (*Phase1Result, error) {
	if len(raws) == 0 {
		return nil, tabular.ErrNoDataRows
	}

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer s.limiter.Release()
	}

	logger := logging.WithFields(ctx, "tenant_id", tenantID, "rows", len(raws))

	rows := make([]TransformedRow, len(raws))
	for i, raw := range raws {
		rows[i] = NormalizeRow(raw, mappings)
	}

	dc, err := s.builder.Build(ctx, tenantID, rows, cfg)
	if err != nil {
		return nil, fmt.Errorf("build detection context: %w", err)
	}

	conflicting := s.detectorFor(cfg).DetectAll(ctx, rows, dc)
	conflicted := make(map[int]bool, len(conflicting))
	for _, cr := range conflicting {
		conflicted[cr.RowIndex] = true
	}

	result := &Phase1Result{
		ImportedStockIDs: []string{},
		ConflictingRows:  conflicting,
		ConflictSummary:  summarize(conflicting),
	}

	for i, row := range rows {
		rowIndex := i + 1
		if conflicted[rowIndex] {
			continue
		}
		created, err := s.records.Create(ctx, s.buildParams(tenantID, row.Fields, resolutionMarkers{}, cfg))
		if err != nil {
			result.Errors = append(result.Errors, RowError{RowIndex: rowIndex, Errors: []string{err.Error()}})
			continue
		}
		result.ImportedCount++
		result.ImportedStockIDs = append(result.ImportedStockIDs, created.StockID)
	}

	result.SessionID = s.sessions.Create(tenantID, conflicting, cfg, mappings)

	logger.Info("import phase one finished",
		"imported", result.ImportedCount,
		"conflicting", len(conflicting),
		"row_errors", len(result.Errors),
		"session_id", result.SessionID,
	)
	return result, nil
}

// ExecutePhase2 applies the resolutions to a parked session and
// commits the resolved rows one by one, so a bad row cannot sink its
// neighbors. The session is claimed atomically up front: a concurrent
// call for the same session loses the claim and gets ErrSessionNotFound,
// so no row is committed twice. The session is gone whatever happens
// to its rows.
func (s *Service) ExecutePhase2(ctx context.Context, tenantID, sessionID string, resolutions []ConflictResolution) (*Phase2Result, error) {
	sess, ok := s.sessions.Take(sessionID, tenantID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	byIndex := make(map[int]ConflictResolution, len(resolutions))
	for _, r := range resolutions {
		byIndex[r.RowIndex] = r
	}

	result := &Phase2Result{Errors: []RowError{}}

	for _, cr := range sess.Rows {
		res, found := byIndex[cr.RowIndex]
		if !found || res.Action == ResolutionSkip {
			result.SkippedCount++
			continue
		}
		if res.Action != ResolutionUseValue && res.Action != ResolutionManual {
			result.Errors = append(result.Errors, RowError{
				RowIndex: cr.RowIndex,
				Errors:   []string{fmt.Sprintf("unknown resolution action %q", res.Action)},
			})
			continue
		}

		fields, markers := applyResolution(cr, res)
		if markers.originalGenotype == "" {
			markers.originalGenotype = cr.OriginalGenotype
		}

		if _, err := s.records.Create(ctx, s.buildParams(tenantID, fields, markers, sess.Config)); err != nil {
			result.Errors = append(result.Errors, RowError{RowIndex: cr.RowIndex, Errors: []string{err.Error()}})
			continue
		}
		result.ImportedCount++
	}

	result.Message = fmt.Sprintf("Imported %d rows, skipped %d", result.ImportedCount, result.SkippedCount)

	logging.WithFields(ctx, "tenant_id", tenantID, "session_id", sessionID).Info(
		"import phase two finished",
		"imported", result.ImportedCount,
		"skipped", result.SkippedCount,
		"row_errors", len(result.Errors),
	)
	return result, nil
}

// applyResolution overlays the user's field values on the stored row
// and pulls out the reserved markers.
func applyResolution(cr ConflictingRow, res ConflictResolution) (map[string]string, resolutionMarkers) {
	fields := cloneFields(cr.Fields)
	var markers resolutionMarkers

	for k, v := range res.FieldValues {
		switch k {
		case markerFlagNote:
			markers.flagNote = v
		case markerFlagTag:
			markers.flagTag = v
		case markerOriginalGenotype:
			markers.originalGenotype = v
		default:
			if strings.HasPrefix(k, "_") {
				continue
			}
			fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return fields, markers
}

// buildParams converts normalized fields plus markers into a create
// request for the stock repository.
func (s *Service) buildParams(tenantID string, fields map[string]string, markers resolutionMarkers, cfg ImportConfig) stock.CreateParams {
	p := stock.CreateParams{
		TenantID:          tenantID,
		StockID:           fields[tabular.FieldStockID],
		Genotype:          fields[tabular.FieldGenotype],
		Origin:            tabular.InferOrigin(fields),
		Repository:        tabular.NormalizeRepository(fields[tabular.FieldRepository]),
		RepositoryStockID: fields[tabular.FieldRepositoryStockID],
		ExternalSource:    fields[tabular.FieldExternalSource],
		Notes:             fields[tabular.FieldNotes],
		Tags:              tabular.ParseTags(fields[tabular.FieldTags]),
		Tray:              fields[tabular.FieldTray],
		Position:          fields[tabular.FieldPosition],
		AutoCreateTray:    cfg.AutoCreateTrays,
	}

	if markers.flagNote != "" {
		if p.Notes != "" {
			p.Notes = p.Notes + "\n" + markers.flagNote
		} else {
			p.Notes = markers.flagNote
		}
	}
	if markers.flagTag != "" {
		p.Tags = append(p.Tags, markers.flagTag)
	}
	if markers.originalGenotype != "" {
		p.OriginalGenotype = markers.originalGenotype
		p.ExternalMetadata = map[string]string{
			"original_genotype_from_import": markers.originalGenotype,
		}
	}
	return p
}
