package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tsugi-ai/tsugi/internal/blob"
	"github.com/tsugi-ai/tsugi/internal/dispatch"
)

// maxSearchResponseBytes caps how much of a search response is stored.
const maxSearchResponseBytes = 1 << 20

// Search queries an external search endpoint and stores the raw response
// as an artifact. With no endpoint configured it degrades to a no-result
// success so plans that lead with a search step still proceed.
type Search struct {
	BaseURL string
	Client  *http.Client
	Blobs   blob.Store
}

func (s *Search) Invoke(ctx context.Context, args map[string]any) (dispatch.Result, error) {
	query := strArg(args, "query")
	if query == "" {
		query = strArg(args, ArgGoal)
	}
	if s.BaseURL == "" {
		return dispatch.Result{Summary: "search disabled; no external sources gathered"}, nil
	}

	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("websearch: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("websearch: build request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("websearch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return dispatch.Result{}, fmt.Errorf("websearch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchResponseBytes))
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("websearch: read response: %w", err)
	}

	uri, err := s.Blobs.Put(ctx, strArg(args, ArgRunID), "websearch.json", body)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("websearch: store result: %w", err)
	}
	return dispatch.Result{
		URI:     uri,
		Summary: fmt.Sprintf("search for %q returned %d bytes", query, len(body)),
		Meta:    map[string]any{"query": query, "bytes": len(body)},
	}, nil
}
