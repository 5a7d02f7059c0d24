// Package flybase talks to public stock repository services: a small
// HTTP client for per-stock metadata and an in-memory catalog used to
// suggest repository matches for locally entered genotypes.
package flybase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client fetches stock metadata from a repository HTTP API.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a metadata client. The timeout applies per request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// stockResponse is the subset of the repository payload we use.
// Some endpoints report the genotype under FB_genotype instead.
type stockResponse struct {
	StockID    string `json:"stock_id"`
	Genotype   string `json:"genotype"`
	FBGenotype string `json:"FB_genotype"`
	Name       string `json:"name"`
}

// RemoteGenotype returns the catalog genotype for an external stock ID.
// The second return is false when the repository has no such stock.
func (c *Client) RemoteGenotype(ctx context.Context, externalID string) (string, bool, error) {
	endpoint := c.baseURL + "/stocks/" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("fetch stock %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", false, nil
	case resp.StatusCode != http.StatusOK:
		return "", false, fmt.Errorf("fetch stock %s: unexpected status %d", externalID, resp.StatusCode)
	}

	var body stockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, fmt.Errorf("decode stock %s: %w", externalID, err)
	}

	genotype := strings.TrimSpace(body.Genotype)
	if genotype == "" {
		genotype = strings.TrimSpace(body.FBGenotype)
	}
	if genotype == "" {
		return "", false, nil
	}
	return genotype, true, nil
}
