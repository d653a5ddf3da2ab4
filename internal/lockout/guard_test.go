package lockout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/caseguard/internal/counter"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T, cfg Config) (*Guard, *counter.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := counter.NewMemoryStoreWithClock(clock.Now)
	g, err := NewGuard(store, cfg,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	return g, store, clock
}

func testConfig() Config {
	return Config{
		MaxFailures:   5,
		FailureWindow: 15 * time.Minute,
		LockDuration:  30 * time.Minute,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig()},
		{name: "zero failures", cfg: Config{MaxFailures: 0, FailureWindow: time.Minute, LockDuration: time.Minute}, wantErr: true},
		{name: "zero window", cfg: Config{MaxFailures: 1, LockDuration: time.Minute}, wantErr: true},
		{name: "zero lock", cfg: Config{MaxFailures: 1, FailureWindow: time.Minute}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGuard_FourFailuresThenSuccessClears(t *testing.T) {
	g, _, _ := newTestGuard(t, testConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		n, err := g.RecordFailure(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if n != int64(i) {
			t.Errorf("RecordFailure() = %d, want %d", n, i)
		}
	}
	if s := g.Check(ctx, "alice@example.com"); s.Locked {
		t.Fatal("identifier should not be locked after 4 failures")
	}

	if err := g.Clear(ctx, "alice@example.com"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	// Counter restarted: a fifth failure is the first of a new run.
	n, err := g.RecordFailure(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecordFailure() after Clear = %d, want 1", n)
	}
	if s := g.Check(ctx, "alice@example.com"); s.Locked {
		t.Error("identifier should not be locked after clear")
	}
}

func TestGuard_FiveFailuresLockForExactDuration(t *testing.T) {
	cfg := testConfig()
	g, store, clock := newTestGuard(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.RecordFailure(ctx, "bob@example.com"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	s := g.Check(ctx, "bob@example.com")
	if !s.Locked {
		t.Fatal("identifier should be locked after 5 failures")
	}
	if s.RetryAfter != cfg.LockDuration {
		t.Errorf("RetryAfter = %v, want %v", s.RetryAfter, cfg.LockDuration)
	}

	ttl, _ := store.TTL(ctx, lockKey("bob@example.com"))
	if ttl != cfg.LockDuration {
		t.Errorf("lock marker TTL = %v, want %v", ttl, cfg.LockDuration)
	}

	// Failure counter reset when the lock was set.
	if _, ok, _ := store.Get(ctx, failureKey("bob@example.com")); ok {
		t.Error("failure counter should be reset when the lock is set")
	}

	clock.Advance(cfg.LockDuration - time.Second)
	if s := g.Check(ctx, "bob@example.com"); !s.Locked {
		t.Error("identifier should still be locked one second before expiry")
	} else if s.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", s.RetryAfter)
	}

	clock.Advance(time.Second)
	if s := g.Check(ctx, "bob@example.com"); s.Locked {
		t.Error("identifier should be unlocked once the lock duration elapsed")
	}
}

func TestGuard_LockTakesPrecedenceOverClear(t *testing.T) {
	g, _, _ := newTestGuard(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = g.RecordFailure(ctx, "carol@example.com")
	}
	// A successful credential check clears the counter but never the lock.
	_ = g.Clear(ctx, "carol@example.com")

	s := g.Check(ctx, "carol@example.com")
	if !s.Locked {
		t.Fatal("lock must survive Clear()")
	}
	err := s.Err()
	if !errors.Is(err, ErrAccountLocked) {
		t.Errorf("Status.Err() = %v, want ErrAccountLocked", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) || locked.RetryAfterSeconds() < 1 {
		t.Errorf("Status.Err() should carry a positive retry-after, got %v", err)
	}
}

func TestGuard_WindowAnchoredToFirstFailure(t *testing.T) {
	cfg := testConfig()
	g, _, clock := newTestGuard(t, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = g.RecordFailure(ctx, "dave@example.com")
		clock.Advance(3 * time.Minute)
	}
	// 12 minutes in; window closes at 15 regardless of later failures.
	clock.Advance(3 * time.Minute)

	n, _ := g.RecordFailure(ctx, "dave@example.com")
	if n != 1 {
		t.Errorf("RecordFailure() after window = %d, want 1", n)
	}
	if s := g.Check(ctx, "dave@example.com"); s.Locked {
		t.Error("failures from an expired window must not lock")
	}
}

func TestGuard_IdentifierNormalization(t *testing.T) {
	g, _, _ := newTestGuard(t, testConfig())
	ctx := context.Background()

	ids := []string{"Eve@Example.com", " eve@example.com", "EVE@EXAMPLE.COM ", "eve@example.com", "eve@EXAMPLE.com"}
	for _, id := range ids {
		_, _ = g.RecordFailure(ctx, id)
	}
	if s := g.Check(ctx, "eve@example.com"); !s.Locked {
		t.Error("normalized identifiers should share one counter")
	}

	if _, err := g.RecordFailure(ctx, "  "); !errors.Is(err, ErrEmptyIdentifier) {
		t.Errorf("RecordFailure(blank) error = %v, want ErrEmptyIdentifier", err)
	}
}

func TestGuard_ConcurrentFailuresLockOnce(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	store := counter.NewMemoryStore()
	g, err := NewGuard(store, testConfig(),
		WithMetrics(metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	ctx := context.Background()

	const attempts = 5
	var wg sync.WaitGroup
	counts := make(chan int64, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := g.RecordFailure(ctx, "mallory@example.com")
			if err != nil {
				t.Errorf("RecordFailure() error = %v", err)
			}
			counts <- n
		}()
	}
	wg.Wait()
	close(counts)

	// No lost updates: every count 1..5 was observed exactly once.
	seen := make(map[int64]bool)
	for n := range counts {
		if seen[n] {
			t.Errorf("count %d observed twice", n)
		}
		seen[n] = true
	}
	for i := int64(1); i <= attempts; i++ {
		if !seen[i] {
			t.Errorf("count %d never observed", i)
		}
	}

	if s := g.Check(ctx, "mallory@example.com"); !s.Locked {
		t.Error("identifier should be locked")
	}

	var m dto.Metric
	if err := metrics.locksTotal.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("locks total = %v, want 1", got)
	}
}

// brokenStore fails every call.
type brokenStore struct{}

var errBroken = errors.New("store down")

func (brokenStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errBroken
}
func (brokenStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errBroken
}
func (brokenStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errBroken
}
func (brokenStore) Del(ctx context.Context, keys ...string) error { return errBroken }
func (brokenStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, errBroken
}

func TestGuard_StoreUnavailableTreatedAsUnlocked(t *testing.T) {
	g, err := NewGuard(brokenStore{}, testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	ctx := context.Background()

	if s := g.Check(ctx, "frank@example.com"); s.Locked {
		t.Error("unreachable store should be treated as not locked")
	}
	if _, err := g.RecordFailure(ctx, "frank@example.com"); !errors.Is(err, errBroken) {
		t.Errorf("RecordFailure() error = %v, want wrapped store error", err)
	}
}

func TestGuard_Unlock(t *testing.T) {
	g, _, _ := newTestGuard(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = g.RecordFailure(ctx, "grace@example.com")
	}
	if err := g.Unlock(ctx, "grace@example.com"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if s := g.Check(ctx, "grace@example.com"); s.Locked {
		t.Error("identifier should be unlocked after Unlock()")
	}
}

func TestGuard_LockCoversPrincipal(t *testing.T) {
	g, _, clock := newTestGuard(t, testConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if _, err := g.RecordPrincipalFailure(ctx, "heidi@example.com", "p-heidi"); err != nil {
			t.Fatalf("RecordPrincipalFailure() error = %v", err)
		}
	}
	if s := g.CheckPrincipal(ctx, "p-heidi"); s.Locked {
		t.Fatal("principal locked before the threshold")
	}

	if _, err := g.RecordPrincipalFailure(ctx, "heidi@example.com", "p-heidi"); err != nil {
		t.Fatalf("RecordPrincipalFailure() error = %v", err)
	}
	s := g.CheckPrincipal(ctx, "p-heidi")
	if !s.Locked {
		t.Fatal("principal should be locked together with its identifier")
	}
	if s.RetryAfter != 30*time.Minute {
		t.Errorf("RetryAfter = %s, want 30m", s.RetryAfter)
	}
	if s := g.Check(ctx, "heidi@example.com"); !s.Locked {
		t.Error("identifier should be locked")
	}
	if s := g.CheckPrincipal(ctx, "p-other"); s.Locked {
		t.Error("unrelated principal should not be locked")
	}

	clock.Advance(30*time.Minute + time.Second)
	if s := g.CheckPrincipal(ctx, "p-heidi"); s.Locked {
		t.Error("principal lock should expire with the identifier lock")
	}
}

func TestGuard_UnlockReleasesPrincipal(t *testing.T) {
	g, _, _ := newTestGuard(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = g.RecordPrincipalFailure(ctx, "Ivan@Example.com", "p-ivan")
	}
	if s := g.CheckPrincipal(ctx, "p-ivan"); !s.Locked {
		t.Fatal("principal should be locked")
	}
	if err := g.Unlock(ctx, "ivan@example.com"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if s := g.CheckPrincipal(ctx, "p-ivan"); s.Locked {
		t.Error("Unlock() should release the principal lock")
	}
	if s := g.Check(ctx, "ivan@example.com"); s.Locked {
		t.Error("Unlock() should release the identifier lock")
	}
}

func TestGuard_AnonymousFailuresLockNoPrincipal(t *testing.T) {
	g, store, _ := newTestGuard(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = g.RecordFailure(ctx, "nobody@example.com")
	}
	val, ok, err := store.Get(ctx, lockKey("nobody@example.com"))
	if err != nil || !ok {
		t.Fatalf("lock marker missing: ok=%v err=%v", ok, err)
	}
	if _, principalID, parsed := parseLockMarker(val); !parsed || principalID != "" {
		t.Errorf("marker %q should carry no principal", val)
	}
}
