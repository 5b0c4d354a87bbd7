package threat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/store"
)

func testLedger(t *testing.T, whitelist ...string) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.New("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedger(st, notify.Discard{}, logger, whitelist), st
}

func TestReportThreatAccumulates(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if got := l.ReportThreat(ctx, "203.0.113.5", PointsScanPattern, "test"); got != 20 {
		t.Fatalf("first report score = %d, want 20", got)
	}
	if got := l.ReportThreat(ctx, "203.0.113.5", PointsScanPattern, "test"); got != 40 {
		t.Fatalf("second report score = %d, want 40", got)
	}
	if got := l.GetScore("198.51.100.1"); got != 0 {
		t.Fatalf("unrelated ip score = %d, want 0", got)
	}
}

func TestNoBanAt199(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.9"

	l.ReportThreat(ctx, ip, 199, "test")
	if l.IsBanned(ctx, ip) {
		t.Fatal("ip banned at score 199")
	}
	if got := l.GetScore(ip); got != 199 {
		t.Fatalf("score = %d, want 199", got)
	}
}

func TestBanAtThresholdClearsScore(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.10"

	if got := l.ReportThreat(ctx, ip, 200, "test"); got < 200 {
		t.Fatalf("score = %d, want >= 200", got)
	}
	if !l.IsBanned(ctx, ip) {
		t.Fatal("ip not banned at threshold")
	}
	if got := l.GetScore(ip); got != 0 {
		t.Fatalf("score after ban = %d, want 0 (clean slate)", got)
	}
	if _, err := st.GetThreatScore(ctx, ip); err != store.ErrNotFound {
		t.Fatalf("persisted score after ban: err = %v, want ErrNotFound", err)
	}

	ban, err := st.GetBan(ctx, ip)
	if err != nil {
		t.Fatalf("get ban: %v", err)
	}
	if ban.BanCount != 1 || !ban.IsActive {
		t.Fatalf("ban = count %d active %v, want count 1 active", ban.BanCount, ban.IsActive)
	}
}

func TestRepeatOffenderMultiplier(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.11"
	at := time.Now().UTC().Add(-48 * time.Hour)
	expired := at.Add(time.Hour)
	if err := st.CreateBan(ctx, &model.BannedIP{
		IP: ip, Reason: "test", BanCount: 2, BannedAt: at, ExpiresAt: &expired, IsActive: false,
	}); err != nil {
		t.Fatalf("seed ban: %v", err)
	}

	// Two prior bans means a 4x multiplier: 20 points land as 80.
	if got := l.ReportThreat(ctx, ip, PointsScanPattern, "test"); got != 80 {
		t.Fatalf("score = %d, want 80", got)
	}
}

func TestZeroToleranceAfterFiveBans(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.12"
	at := time.Now().UTC().Add(-90 * 24 * time.Hour)
	expired := at.Add(time.Hour)
	if err := st.CreateBan(ctx, &model.BannedIP{
		IP: ip, Reason: "test", BanCount: 5, BannedAt: at, ExpiresAt: &expired, IsActive: false,
	}); err != nil {
		t.Fatalf("seed ban: %v", err)
	}

	// The smallest offense goes straight to the ban threshold.
	if got := l.ReportThreat(ctx, ip, PointsCleanNotFound, "test"); got < 200 {
		t.Fatalf("score = %d, want >= 200", got)
	}
	if !l.IsBanned(ctx, ip) {
		t.Fatal("zero-tolerance ip not banned")
	}
}

func TestBanEscalationSchedule(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.13"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	wantDurations := []time.Duration{firstBanDuration, secondBanDuration, thirdBanDuration, thirdBanDuration}
	for i, want := range wantDurations {
		l.Ban(ctx, ip, "test")
		ban, err := st.GetBan(ctx, ip)
		if err != nil {
			t.Fatalf("get ban after #%d: %v", i+1, err)
		}
		if ban.BanCount != i+1 {
			t.Fatalf("ban #%d: count = %d", i+1, ban.BanCount)
		}
		if got := ban.ExpiresAt.Sub(ban.BannedAt); got != want {
			t.Fatalf("ban #%d: duration = %v, want %v", i+1, got, want)
		}
		// Let the ban lapse before the next offense.
		now = ban.ExpiresAt.Add(time.Minute)
		if l.IsBanned(ctx, ip) {
			t.Fatalf("ban #%d still active after expiry", i+1)
		}
	}
}

func TestBanActiveIsNoOp(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.14"

	l.Ban(ctx, ip, "first")
	first, _ := st.GetBan(ctx, ip)
	l.Ban(ctx, ip, "second")
	second, _ := st.GetBan(ctx, ip)

	if second.BanCount != first.BanCount || second.Reason != "first" {
		t.Fatalf("active ban was modified: %+v", second)
	}
}

func TestIsBannedServesFromCache(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.15"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Ban(ctx, ip, "test")
	if !l.IsBanned(ctx, ip) {
		t.Fatal("ban did not take")
	}

	// Flip the row behind the ledger's back: a hot-path check must keep
	// answering from the cached expiry, not re-read the store.
	if err := st.DeactivateBan(ctx, ip); err != nil {
		t.Fatalf("deactivate ban row: %v", err)
	}
	if !l.IsBanned(ctx, ip) {
		t.Fatal("ban check hit the store instead of the cache")
	}

	// The cache honors the same expiry as the record.
	now = now.Add(firstBanDuration + time.Minute)
	if l.IsBanned(ctx, ip) {
		t.Fatal("cached ban outlived its expiry")
	}

	// Unban clears the cache, so a fresh ban round-trips again.
	l.Ban(ctx, ip, "test")
	if err := l.Unban(ctx, ip); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if l.IsBanned(ctx, ip) {
		t.Fatal("ip still banned after unban")
	}
}

func TestQuarantineDelay(t *testing.T) {
	l, _ := testLedger(t)
	cases := []struct {
		score int
		want  time.Duration
	}{
		{0, 0},
		{99, 0},
		{100, 5 * time.Second},
		{120, 7 * time.Second},
		{150, 10 * time.Second},
		{199, 14 * time.Second},
		{195, 14 * time.Second},
		{205, 0}, // past the ban threshold the gate rejects instead
	}
	for _, tc := range cases {
		l.mu.Lock()
		l.scores["203.0.113.20"] = tc.score
		l.mu.Unlock()
		if got := l.QuarantineDelay("203.0.113.20"); got != tc.want {
			t.Errorf("score %d: delay = %v, want %v", tc.score, got, tc.want)
		}
	}
}

func TestWhitelistNeverScoredOrBanned(t *testing.T) {
	l, _ := testLedger(t, "192.0.2.50")
	ctx := context.Background()

	for _, ip := range []string{"192.0.2.50", "127.0.0.1", "::1"} {
		if got := l.ReportThreat(ctx, ip, 500, "test"); got != 0 {
			t.Errorf("%s: score = %d, want 0", ip, got)
		}
		l.Ban(ctx, ip, "test")
		if l.IsBanned(ctx, ip) {
			t.Errorf("%s: whitelisted ip banned", ip)
		}
	}
}

func TestScoreHydratedFromStore(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.30"
	now := time.Now().UTC()
	if err := st.UpsertThreatScore(ctx, &model.IPThreatScore{
		IP: ip, Score: 90, FirstSeen: now, LastHit: now,
	}); err != nil {
		t.Fatalf("seed score: %v", err)
	}

	// A fresh ledger picks the persisted 90 back up on first contact.
	if got := l.ReportThreat(ctx, ip, PointsRepeatNotFound, "test"); got != 100 {
		t.Fatalf("hydrated score = %d, want 100", got)
	}
}

func TestUnban(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()
	ip := "203.0.113.40"

	l.Ban(ctx, ip, "test")
	if !l.IsBanned(ctx, ip) {
		t.Fatal("ban did not take")
	}
	if err := l.Unban(ctx, ip); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if l.IsBanned(ctx, ip) {
		t.Fatal("ip still banned after unban")
	}
	ban, err := st.GetBan(ctx, ip)
	if err != nil {
		t.Fatalf("get ban record: %v", err)
	}
	if ban.BanCount != 1 {
		t.Fatalf("ban count after unban = %d, want 1 (history kept)", ban.BanCount)
	}
}
