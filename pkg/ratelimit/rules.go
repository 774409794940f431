package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/teacurran/village-homepage/pkg/clock"
)

// invalidationChannel carries "action:tier" messages (or "*") whenever a
// rule row changes, so every process drops its cached copy at once.
const invalidationChannel = "village:ratelimit:invalidate"

// ruleTTL bounds staleness even if an invalidation message is lost.
const ruleTTL = 10 * time.Minute

// queryer is the pgx query subset the rule store needs; satisfied by
// pgxpool.Pool and by transactions.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RuleStore loads and mutates rate limit rules and maintains the cache.
type RuleStore struct {
	db       queryer
	rdb      *redis.Client
	clk      clock.Clock
	logger   *slog.Logger
	fallback Rule

	mu    sync.Mutex
	cache map[string]cachedRule
}

type cachedRule struct {
	rule      Rule
	found     bool
	fetchedAt time.Time
}

// NewRuleStore creates a RuleStore. fallback supplies (limit, window) for
// actions with no configured rule.
func NewRuleStore(db queryer, rdb *redis.Client, clk clock.Clock, fallback Rule, logger *slog.Logger) *RuleStore {
	if clk == nil {
		clk = clock.System
	}
	return &RuleStore{
		db:       db,
		rdb:      rdb,
		clk:      clk,
		logger:   logger,
		fallback: fallback,
		cache:    make(map[string]cachedRule),
	}
}

func cacheKey(action string, tier Tier) string {
	return action + ":" + string(tier)
}

// Get returns the rule for (action, tier), from cache when fresh. Missing
// rules resolve to the fallback limits.
func (s *RuleStore) Get(ctx context.Context, action string, tier Tier) (Rule, error) {
	key := cacheKey(action, tier)
	now := s.clk.Now()

	s.mu.Lock()
	if c, ok := s.cache[key]; ok && now.Sub(c.fetchedAt) < ruleTTL {
		s.mu.Unlock()
		return s.resolve(c, action, tier), nil
	}
	s.mu.Unlock()

	var r Rule
	found := true
	err := s.db.QueryRow(ctx,
		`SELECT action_type, tier, limit_count, window_seconds
		 FROM rate_limit_rules WHERE action_type = $1 AND tier = $2`,
		action, tier,
	).Scan(&r.Action, &r.Tier, &r.LimitCount, &r.WindowSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return Rule{}, fmt.Errorf("loading rate limit rule %s/%s: %w", action, tier, err)
	}

	c := cachedRule{rule: r, found: found, fetchedAt: now}
	s.mu.Lock()
	s.cache[key] = c
	s.mu.Unlock()

	return s.resolve(c, action, tier), nil
}

func (s *RuleStore) resolve(c cachedRule, action string, tier Tier) Rule {
	if c.found {
		return c.rule
	}
	f := s.fallback
	f.Action = action
	f.Tier = tier
	return f
}

// Upsert creates or replaces a rule and invalidates every process cache.
func (s *RuleStore) Upsert(ctx context.Context, r Rule) error {
	if r.LimitCount <= 0 || r.WindowSeconds <= 0 {
		return fmt.Errorf("rule %s/%s: limit and window must be positive", r.Action, r.Tier)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO rate_limit_rules (action_type, tier, limit_count, window_seconds, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (action_type, tier)
		DO UPDATE SET limit_count = EXCLUDED.limit_count,
		              window_seconds = EXCLUDED.window_seconds,
		              updated_at = now()`,
		r.Action, r.Tier, r.LimitCount, r.WindowSeconds,
	)
	if err != nil {
		return fmt.Errorf("upserting rate limit rule %s/%s: %w", r.Action, r.Tier, err)
	}
	s.invalidate(ctx, cacheKey(r.Action, r.Tier))
	return nil
}

// invalidate drops the local cache entry and tells other processes to do
// the same.
func (s *RuleStore) invalidate(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, invalidationChannel, key).Err(); err != nil {
			s.logger.Warn("publishing rule invalidation", "key", key, "error", err)
		}
	}
}

// Clear empties the local cache. Tests rely on this between cases.
func (s *RuleStore) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]cachedRule)
	s.mu.Unlock()
}

// Subscribe applies invalidation messages from other processes until ctx
// is cancelled.
func (s *RuleStore) Subscribe(ctx context.Context) error {
	if s.rdb == nil {
		<-ctx.Done()
		return nil
	}
	pubsub := s.rdb.Subscribe(ctx, invalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == "*" {
				s.Clear()
				continue
			}
			s.mu.Lock()
			delete(s.cache, msg.Payload)
			s.mu.Unlock()
		}
	}
}
