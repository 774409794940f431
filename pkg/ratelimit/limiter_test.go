package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/teacurran/village-homepage/pkg/clock"
)

// stubDB serves rule lookups from a fixed map and swallows writes.
type stubDB struct {
	rules map[string]Rule
}

func (s *stubDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (s *stubDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if len(args) == 2 {
		if r, ok := s.rules[args[0].(string)+":"+string(args[1].(Tier))]; ok {
			return ruleRow{r: r}
		}
	}
	return errRow{err: pgx.ErrNoRows}
}

type ruleRow struct{ r Rule }

func (r ruleRow) Scan(dest ...any) error {
	*dest[0].(*string) = r.r.Action
	*dest[1].(*Tier) = r.r.Tier
	*dest[2].(*int) = r.r.LimitCount
	*dest[3].(*int) = r.r.WindowSeconds
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func newTestLimiter(t *testing.T, rules map[string]Rule) (*Limiter, *RuleStore, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))
	fallback := Rule{LimitCount: 60, WindowSeconds: 60}
	store := NewRuleStore(&stubDB{rules: rules}, rdb, clk, fallback, slog.Default())
	return NewLimiter(rdb, store, nil, clk, slog.Default()), store, clk
}

func newUUID() uuid.UUID { return uuid.New() }

func subject(session string) Subject {
	return Subject{SessionHash: session, IP: "203.0.113.9"}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Rule{
		"vote:anonymous": {Action: "vote", Tier: TierAnonymous, LimitCount: 3, WindowSeconds: 60},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, subject("s1"), "vote", "/vote")
		if err != nil {
			t.Fatalf("Check() error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	d, err := l.Check(ctx, subject("s1"), "vote", "/vote")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if d.Allowed {
		t.Error("attempt at the limit should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
}

func TestCheckDenialDoesNotConsume(t *testing.T) {
	l, _, clk := newTestLimiter(t, map[string]Rule{
		"submit:anonymous": {Action: "submit", Tier: TierAnonymous, LimitCount: 1, WindowSeconds: 60},
	})
	ctx := context.Background()

	if d, _ := l.Check(ctx, subject("s1"), "submit", "/submit"); !d.Allowed {
		t.Fatal("first attempt should pass")
	}
	// Two denials must not extend the window.
	for i := 0; i < 2; i++ {
		if d, _ := l.Check(ctx, subject("s1"), "submit", "/submit"); d.Allowed {
			t.Fatal("over-limit attempt should be denied")
		}
	}

	// Just past the window boundary the oldest event has aged out.
	clk.Advance(60*time.Second + time.Microsecond)
	d, err := l.Check(ctx, subject("s1"), "submit", "/submit")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !d.Allowed {
		t.Error("attempt after the window aged out should be allowed")
	}
}

func TestCheckWindowEdgeExact(t *testing.T) {
	l, _, clk := newTestLimiter(t, map[string]Rule{
		"vote:anonymous": {Action: "vote", Tier: TierAnonymous, LimitCount: 2, WindowSeconds: 10},
	})
	ctx := context.Background()

	l.Check(ctx, subject("s1"), "vote", "/vote")
	clk.Advance(5 * time.Second)
	l.Check(ctx, subject("s1"), "vote", "/vote")

	// At exactly the limit inside the window: denied.
	if d, _ := l.Check(ctx, subject("s1"), "vote", "/vote"); d.Allowed {
		t.Error("at-limit attempt inside window should be denied")
	}

	// One microsecond after the oldest event ages out: allowed.
	clk.Advance(5*time.Second + time.Microsecond)
	if d, _ := l.Check(ctx, subject("s1"), "vote", "/vote"); !d.Allowed {
		t.Error("attempt one microsecond past the oldest event should be allowed")
	}
}

func TestCheckSubjectsAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Rule{
		"vote:anonymous": {Action: "vote", Tier: TierAnonymous, LimitCount: 1, WindowSeconds: 60},
	})
	ctx := context.Background()

	if d, _ := l.Check(ctx, subject("a"), "vote", "/vote"); !d.Allowed {
		t.Fatal("subject a should be allowed")
	}
	if d, _ := l.Check(ctx, subject("b"), "vote", "/vote"); !d.Allowed {
		t.Error("subject b should not share subject a's counter")
	}
}

func TestCheckFallbackRule(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil)
	d, err := l.Check(context.Background(), subject("s1"), "unconfigured", "/x")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !d.Allowed {
		t.Error("fallback rule should allow the first attempt")
	}
	if d.Remaining != 60 {
		t.Errorf("Remaining = %d, want fallback limit 60", d.Remaining)
	}
}

func TestRuleCacheClear(t *testing.T) {
	db := &stubDB{rules: map[string]Rule{
		"vote:trusted": {Action: "vote", Tier: TierTrusted, LimitCount: 100, WindowSeconds: 60},
	}}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clock.NewFake(time.Now())
	store := NewRuleStore(db, rdb, clk, Rule{LimitCount: 1, WindowSeconds: 1}, slog.Default())

	r, err := store.Get(context.Background(), "vote", TierTrusted)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if r.LimitCount != 100 {
		t.Fatalf("LimitCount = %d, want 100", r.LimitCount)
	}

	// Mutate behind the cache: stale value served until Clear.
	db.rules["vote:trusted"] = Rule{Action: "vote", Tier: TierTrusted, LimitCount: 5, WindowSeconds: 60}
	r, _ = store.Get(context.Background(), "vote", TierTrusted)
	if r.LimitCount != 100 {
		t.Errorf("cached LimitCount = %d, want stale 100", r.LimitCount)
	}

	store.Clear()
	r, _ = store.Get(context.Background(), "vote", TierTrusted)
	if r.LimitCount != 5 {
		t.Errorf("post-Clear LimitCount = %d, want 5", r.LimitCount)
	}
}

func TestRuleCacheTTL(t *testing.T) {
	db := &stubDB{rules: map[string]Rule{
		"vote:logged_in": {Action: "vote", Tier: TierLoggedIn, LimitCount: 10, WindowSeconds: 60},
	}}
	clk := clock.NewFake(time.Now())
	store := NewRuleStore(db, nil, clk, Rule{LimitCount: 1, WindowSeconds: 1}, slog.Default())

	store.Get(context.Background(), "vote", TierLoggedIn)
	db.rules["vote:logged_in"] = Rule{Action: "vote", Tier: TierLoggedIn, LimitCount: 2, WindowSeconds: 60}

	clk.Advance(9 * time.Minute)
	r, _ := store.Get(context.Background(), "vote", TierLoggedIn)
	if r.LimitCount != 10 {
		t.Errorf("within TTL LimitCount = %d, want 10", r.LimitCount)
	}

	clk.Advance(2 * time.Minute)
	r, _ = store.Get(context.Background(), "vote", TierLoggedIn)
	if r.LimitCount != 2 {
		t.Errorf("past TTL LimitCount = %d, want 2", r.LimitCount)
	}
}

func TestSubjectTier(t *testing.T) {
	id := newUUID()
	tests := []struct {
		name string
		s    Subject
		want Tier
	}{
		{"anonymous", Subject{SessionHash: "x"}, TierAnonymous},
		{"logged in", Subject{UserID: &id}, TierLoggedIn},
		{"trusted", Subject{UserID: &id, Trusted: true}, TierTrusted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Tier(); got != tt.want {
				t.Errorf("Tier() = %v, want %v", got, tt.want)
			}
		})
	}
}
