package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vnykmshr/goflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/obcache-go/pkg/obcache"
)

// runBeforeValidate invokes hooks.BeforeValidate if set, returning raw
// unchanged when hooks or the specific hook is nil. A hook error is
// returned to the caller, which must coerce it into a record-level
// failure rather than propagate it raw (spec §4.12).
func runBeforeValidate(ctx context.Context, hooks *Hooks, raw map[string]interface{}, pctx ProcessContext) (map[string]interface{}, error) {
	if hooks == nil || hooks.BeforeValidate == nil {
		return raw, nil
	}
	out, err := hooks.BeforeValidate(ctx, raw, pctx)
	if err != nil {
		return raw, fmt.Errorf("beforeValidate hook: %w", err)
	}
	return out, nil
}

// runAfterValidate invokes hooks.AfterValidate if set.
func runAfterValidate(ctx context.Context, hooks *Hooks, rec Record, pctx ProcessContext) (Record, error) {
	if hooks == nil || hooks.AfterValidate == nil {
		return rec, nil
	}
	out, err := hooks.AfterValidate(ctx, rec, pctx)
	if err != nil {
		return rec, fmt.Errorf("afterValidate hook: %w", err)
	}
	return out, nil
}

// runBeforeProcess invokes hooks.BeforeProcess if set.
func runBeforeProcess(ctx context.Context, hooks *Hooks, parsed map[string]interface{}, pctx ProcessContext) (map[string]interface{}, error) {
	if hooks == nil || hooks.BeforeProcess == nil {
		return parsed, nil
	}
	out, err := hooks.BeforeProcess(ctx, parsed, pctx)
	if err != nil {
		return parsed, fmt.Errorf("beforeProcess hook: %w", err)
	}
	return out, nil
}

// runAfterProcess invokes hooks.AfterProcess if set.
func runAfterProcess(ctx context.Context, hooks *Hooks, rec Record, pctx ProcessContext) error {
	if hooks == nil || hooks.AfterProcess == nil {
		return nil
	}
	if err := hooks.AfterProcess(ctx, rec, pctx); err != nil {
		return fmt.Errorf("afterProcess hook: %w", err)
	}
	return nil
}

// DuplicateCheckerConfig configures a CachedDuplicateChecker's rate
// limiting and result caching in front of a real, possibly-remote Inner
// checker.
type DuplicateCheckerConfig struct {
	Fields            []string // raw fields combined into the cache/dedup key
	RequestsPerSecond int
	BurstCapacity     int
	CacheTTL          time.Duration
	CacheMaxEntries   int
}

// DefaultDuplicateCheckerConfig returns reasonable defaults for fronting a
// remote duplicate-checking service.
func DefaultDuplicateCheckerConfig(fields ...string) DuplicateCheckerConfig {
	return DuplicateCheckerConfig{
		Fields:            fields,
		RequestsPerSecond: 100,
		BurstCapacity:     10,
		CacheTTL:          time.Hour,
		CacheMaxEntries:   10000,
	}
}

// CachedDuplicateChecker is a reference DuplicateChecker implementation
// (spec §6 "pluggable duplicate checker port") that rate-limits and caches
// calls to an inner, presumably-remote checker, so that repeated field
// combinations within a job's TTL window don't re-hit the external
// service.
type CachedDuplicateChecker struct {
	inner       DuplicateChecker
	fields      []string
	rateLimiter bucket.Limiter
	cache       *obcache.Cache
	ttl         time.Duration
}

// NewCachedDuplicateChecker wraps inner with rate limiting and caching per
// cfg.
func NewCachedDuplicateChecker(inner DuplicateChecker, cfg DuplicateCheckerConfig) (*CachedDuplicateChecker, error) {
	rate := bucket.Limit(cfg.RequestsPerSecond)
	limiter, err := bucket.NewSafe(rate, cfg.BurstCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating duplicate-checker rate limiter: %w", err)
	}

	cacheCfg := obcache.NewDefaultConfig().WithMaxEntries(cfg.CacheMaxEntries).WithDefaultTTL(cfg.CacheTTL)
	cache, err := obcache.New(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("creating duplicate-checker cache: %w", err)
	}

	return &CachedDuplicateChecker{
		inner:       inner,
		fields:      cfg.Fields,
		rateLimiter: limiter,
		cache:       cache,
		ttl:         cfg.CacheTTL,
	}, nil
}

func (c *CachedDuplicateChecker) cacheKey(fields map[string]interface{}) string {
	var b strings.Builder
	for _, name := range c.fields {
		fmt.Fprintf(&b, "%s=%v|", name, fields[name])
	}
	return b.String()
}

// Check consults the cache first, then the inner checker, honoring the
// configured rate limit. A rate-limited call degrades to IsDuplicate=false
// rather than blocking the pipeline on an external service.
func (c *CachedDuplicateChecker) Check(ctx context.Context, fields map[string]interface{}, dctx DuplicateCheckContext) (DuplicateCheckResult, error) {
	key := c.cacheKey(fields)
	if cached, found := c.cache.Get(key); found {
		if result, ok := cached.(DuplicateCheckResult); ok {
			return result, nil
		}
	}

	if !c.rateLimiter.Allow() {
		return DuplicateCheckResult{IsDuplicate: false}, nil
	}

	result, err := c.inner.Check(ctx, fields, dctx)
	if err != nil {
		return DuplicateCheckResult{}, err
	}
	_ = c.cache.Set(key, result, c.ttl)
	return result, nil
}

// Close releases the checker's cache resources.
func (c *CachedDuplicateChecker) Close() error {
	return c.cache.Close()
}
