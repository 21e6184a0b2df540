// Package fulltext talks to the external full-text index over HTTP. The
// index is best effort: the pipeline degrades to empty results when it is
// unreachable, so the client retries transient failures but never blocks a
// request for long.
package fulltext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/logger"
	"github.com/corelay/corelay/pkg/pipeline"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRetryMax       = 2
	warmupMaxElapsed      = 30 * time.Second
)

// Client implements pipeline.FulltextClient against an indexer endpoint.
type Client struct {
	endpoint  string
	workspace string
	http      *retryablehttp.Client
	log       logger.Logger
}

var _ pipeline.FulltextClient = (*Client)(nil)

func NewClient(endpoint, workspace string, log logger.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.HTTPClient.Timeout = defaultRequestTimeout
	rc.Logger = nil
	return &Client{
		endpoint:  endpoint,
		workspace: workspace,
		http:      rc,
		log:       log,
	}
}

type searchRequest struct {
	Workspace string   `json:"workspace"`
	Query     string   `json:"query"`
	Classes   []string `json:"classes,omitempty"`
	Spaces    []string `json:"spaces,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

func (c *Client) FulltextSearch(ctx context.Context, query core.SearchQuery, opts core.SearchOptions) (*core.SearchResult, error) {
	body := searchRequest{
		Workspace: c.workspace,
		Query:     query.Query,
		Limit:     opts.Limit,
	}
	for _, cl := range query.Classes {
		body.Classes = append(body.Classes, string(cl))
	}
	for _, sp := range query.Spaces {
		body.Spaces = append(body.Spaces, string(sp))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/v1/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fulltext: indexer returned %d", resp.StatusCode)
	}
	return parseHits(raw), nil
}

func parseHits(raw []byte) *core.SearchResult {
	out := &core.SearchResult{}
	gjson.GetBytes(raw, "hits").ForEach(func(_, hit gjson.Result) bool {
		out.Hits = append(out.Hits, core.SearchHit{
			ID:    core.Ref(hit.Get("id").String()),
			Class: core.ClassRef(hit.Get("class").String()),
			Space: core.SpaceRef(hit.Get("space").String()),
			Score: hit.Get("score").Float(),
		})
		return true
	})
	return out
}

// Warmup pings the indexer until it answers so the first user search does
// not pay the cold-start cost. Connection errors are expected while the
// indexer boots and are only logged.
func (c *Client) Warmup(ctx context.Context) {
	schedule := backoff.NewExponentialBackOff()
	schedule.MaxElapsedTime = warmupMaxElapsed

	err := backoff.Retry(func() error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/v1/ping", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fulltext: ping returned %d", resp.StatusCode)
		}
		return nil
	}, backoff.WithContext(schedule, ctx))
	if err != nil {
		c.log.Debug("fulltext index not reachable during warmup", zap.Error(err))
	}
}
