package importer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flylab/stockbook/internal/flybase"
	"github.com/flylab/stockbook/internal/logging"
	"github.com/flylab/stockbook/internal/tabular"
)

// DetectionContext is the read-only snapshot detectors evaluate rows
// against. It is built once per import so detection itself stays pure
// and fast.
type DetectionContext struct {
	// ExistingStockIDs holds the tenant's active stock IDs.
	ExistingStockIDs map[string]struct{}

	// RemoteMetadata maps repository stock IDs to the genotype the
	// repository reports for them. Absent keys mean the lookup was
	// skipped, failed or found nothing.
	RemoteMetadata map[string]string

	// RepositoryMatches holds catalog suggestions per 1-based row index
	// for rows that look like unlabeled repository stocks.
	RepositoryMatches map[int][]flybase.Match
}

// StockDirectory lists what the tenant already has.
type StockDirectory interface {
	ExistingStockIDs(ctx context.Context, tenantID string) (map[string]struct{}, error)
}

// MetadataFetcher resolves repository stock IDs to remote genotypes.
type MetadataFetcher interface {
	RemoteGenotype(ctx context.Context, externalID string) (string, bool, error)
}

// CatalogMatcher suggests repository stocks for a local genotype.
type CatalogMatcher interface {
	Matches(genotype string) []flybase.Match
}

// ContextBuilder assembles a DetectionContext for a batch of rows.
// Fetcher and Matcher are optional; without them the corresponding
// parts of the context stay empty and their detection rules go quiet.
type ContextBuilder struct {
	Directory StockDirectory
	Fetcher   MetadataFetcher
	Matcher   CatalogMatcher

	// FetchTimeout bounds each remote metadata lookup (default 5s).
	FetchTimeout time.Duration

	// FetchWorkers caps concurrent metadata lookups (default 4).
	FetchWorkers int
}

// Build queries the directory, fetches remote metadata for every
// distinct repository stock ID in the batch and scores unlabeled
// genotypes against the catalog. Directory failure aborts the build;
// individual metadata lookups fail soft and only log.
func (b *ContextBuilder) Build(ctx context.Context, tenantID string, rows []TransformedRow, cfg ImportConfig) (*DetectionContext, error) {
	dc := &DetectionContext{
		ExistingStockIDs:  map[string]struct{}{},
		RemoteMetadata:    map[string]string{},
		RepositoryMatches: map[int][]flybase.Match{},
	}

	if b.Directory != nil {
		ids, err := b.Directory.ExistingStockIDs(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("load existing stock ids: %w", err)
		}
		dc.ExistingStockIDs = ids
	}

	if cfg.FetchMetadata && b.Fetcher != nil {
		b.fetchRemote(ctx, rows, dc)
	}

	if b.Matcher != nil {
		for i, row := range rows {
			if strings.ToLower(strings.TrimSpace(row.Fields[tabular.FieldOrigin])) == "repository" {
				continue
			}
			if row.Fields[tabular.FieldRepositoryStockID] != "" {
				continue
			}
			genotype := row.Fields[tabular.FieldGenotype]
			if genotype == "" {
				continue
			}
			if matches := b.Matcher.Matches(genotype); len(matches) > 0 {
				dc.RepositoryMatches[i+1] = matches
			}
		}
	}

	return dc, nil
}

// fetchRemote looks up each distinct repository stock ID once, using a
// bounded worker pool so a slow repository cannot stall the import.
func (b *ContextBuilder) fetchRemote(ctx context.Context, rows []TransformedRow, dc *DetectionContext) {
	seen := map[string]bool{}
	var ids []string
	for _, row := range rows {
		id := row.Fields[tabular.FieldRepositoryStockID]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}

	timeout := b.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	workers := b.FetchWorkers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	logger := logging.FromContext(ctx)

	var mu sync.Mutex
	var wg sync.WaitGroup
	work := make(chan string)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				fetchCtx, cancel := context.WithTimeout(ctx, timeout)
				genotype, ok, err := b.Fetcher.RemoteGenotype(fetchCtx, id)
				cancel()
				if err != nil {
					logger.Warn("remote metadata lookup failed", "repository_stock_id", id, "error", err)
					continue
				}
				if !ok {
					continue
				}
				mu.Lock()
				dc.RemoteMetadata[id] = genotype
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		select {
		case work <- id:
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		}
	}
	close(work)
	wg.Wait()
}
