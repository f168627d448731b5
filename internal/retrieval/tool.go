package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/antoniostano/minghe/internal/apperr"
)

const (
	DefaultTopK     = 3
	DefaultTimeout  = 8 * time.Second
	DefaultCacheTTL = 5 * time.Minute
)

type ToolOptions struct {
	TopK     int
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Tool bounds a Searcher with a per-call timeout and caches results.
type Tool struct {
	searcher Searcher
	topK     int
	timeout  time.Duration
	cache    *cache.Cache
}

func NewTool(s Searcher, opts ToolOptions) *Tool {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	t := &Tool{searcher: s, topK: opts.TopK, timeout: opts.Timeout}
	if opts.CacheTTL > 0 {
		t.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return t
}

// TopK is the default result count.
func (t *Tool) TopK() int { return t.topK }

type searchResult struct {
	snippets []Snippet
	err      error
}

// Search returns at most k snippets (TopK when k <= 0). Timeouts and index
// failures are reported as apperr.ErrUnavailable.
func (t *Tool) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	if t == nil || t.searcher == nil {
		return nil, apperr.Unavailable("retrieval index not configured")
	}
	if k <= 0 {
		k = t.topK
	}
	key := fmt.Sprintf("%d|%s", k, strings.ToLower(strings.TrimSpace(query)))
	if t.cache != nil {
		if v, ok := t.cache.Get(key); ok {
			return append([]Snippet(nil), v.([]Snippet)...), nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan searchResult, 1)
	go func() {
		res, err := t.searcher.Search(callCtx, query, k)
		done <- searchResult{snippets: res, err: err}
	}()

	var res searchResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Unavailable("retrieval timed out after %s", t.timeout)
	}
	if res.err != nil {
		if errors.Is(res.err, apperr.ErrUnavailable) {
			return nil, res.err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Unavailable("retrieval failed: %v", res.err)
	}
	out := res.snippets
	if len(out) > k {
		out = out[:k]
	}
	if t.cache != nil {
		t.cache.SetDefault(key, append([]Snippet(nil), out...))
	}
	return out, nil
}
