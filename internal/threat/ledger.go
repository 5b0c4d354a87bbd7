// Package threat maintains the per-IP abuse ledger: an in-memory score
// accumulator backed by the store, a quarantine slowdown for suspicious
// clients, and an escalating ban schedule for the ones that keep going.
package threat

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/store"
)

// Base points per offense class. Reports carry one of these; the ledger
// applies the repeat-offender multiplier on top.
const (
	PointsScanPattern    = 20 // request for a known probe path (wp-login.php etc.)
	PointsCleanNotFound  = 2  // plain 404, first time
	PointsRepeatNotFound = 10 // 404 from an IP that already has a score
	PointsAuthFailure    = 50 // bad product secret or admin credentials
)

// Zone boundaries for the accumulated score.
const (
	quarantineThreshold = 100
	banThreshold        = 200
)

// Escalation schedule keyed by how many bans the IP has already served.
const (
	firstBanDuration  = 24 * time.Hour
	secondBanDuration = 7 * 24 * time.Hour
	thirdBanDuration  = 30 * 24 * time.Hour
)

// zeroToleranceBans is the prior-ban count at which any offense at all is
// scored straight to the ban threshold.
const zeroToleranceBans = 5

// Ledger tracks threat scores per client IP. Scores live in memory for
// cheap reads on the hot path and are persisted asynchronously; on the
// first report for an unknown IP the persisted score is hydrated back in,
// so a restart does not reset offenders to zero.
type Ledger struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	scores    map[string]int
	hydrated  map[string]bool
	banCache  map[string]*time.Time // ban expiry per IP, nil expiry = permanent
	whitelist map[string]bool
}

// NewLedger creates a Ledger. Whitelisted IPs are never scored or banned;
// loopback addresses are exempt regardless of the list.
func NewLedger(st *store.Store, notifier notify.Notifier, logger *slog.Logger, whitelist []string) *Ledger {
	wl := make(map[string]bool, len(whitelist))
	for _, ip := range whitelist {
		wl[ip] = true
	}
	return &Ledger{
		store:     st,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		scores:    make(map[string]int),
		hydrated:  make(map[string]bool),
		banCache:  make(map[string]*time.Time),
		whitelist: wl,
	}
}

// Whitelisted reports whether an IP is exempt from scoring and bans.
func (l *Ledger) Whitelisted(ip string) bool {
	if l.whitelist[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// ReportThreat adds points for one offense and returns the new score. The
// base points are multiplied by the repeat-offender factor, and an IP with
// five or more served bans is scored straight to the ban threshold. When
// the score crosses the threshold the ban is applied before returning.
func (l *Ledger) ReportThreat(ctx context.Context, ip string, points int, reason string) int {
	if l.Whitelisted(ip) {
		return 0
	}

	priorBans := 0
	if ban, err := l.store.GetBan(ctx, ip); err == nil {
		priorBans = ban.BanCount
	}
	if priorBans >= zeroToleranceBans {
		points = banThreshold
	} else if priorBans > 0 {
		points *= priorBans * 2
	}

	now := l.now()
	l.mu.Lock()
	if !l.hydrated[ip] {
		l.hydrated[ip] = true
		if row, err := l.store.GetThreatScore(ctx, ip); err == nil {
			if row.Score > l.scores[ip] {
				l.scores[ip] = row.Score
			}
		}
	}
	l.scores[ip] += points
	score := l.scores[ip]
	l.mu.Unlock()

	if score >= banThreshold {
		l.Ban(ctx, ip, reason)
		return score
	}

	go l.persistScore(ip, score, now)
	return score
}

// GetScore returns the current in-memory score for an IP.
func (l *Ledger) GetScore(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scores[ip]
}

// QuarantineDelay returns how long a request from this IP should be held
// before processing. Zero outside the quarantine zone; inside it the delay
// grows with the score and is capped at fifteen seconds.
func (l *Ledger) QuarantineDelay(ip string) time.Duration {
	score := l.GetScore(ip)
	if score < quarantineThreshold || score >= banThreshold {
		return 0
	}
	secs := 5 + (score-quarantineThreshold)/10
	if secs > 15 {
		secs = 15
	}
	return time.Duration(secs) * time.Second
}

// IsBanned reports whether the IP currently has an active ban. Hot-path
// checks are answered from the in-memory expiry cache; the store is only
// consulted on a cache miss. A ban whose period has passed is deactivated
// on the spot and no longer counts.
func (l *Ledger) IsBanned(ctx context.Context, ip string) bool {
	now := l.now()

	l.mu.Lock()
	exp, cached := l.banCache[ip]
	l.mu.Unlock()
	if cached {
		if exp == nil || now.Before(*exp) {
			return true
		}
		if err := l.store.DeactivateBan(ctx, ip); err != nil {
			l.logger.Error("deactivate lapsed ban", "ip", ip, "error", err)
		}
		l.mu.Lock()
		delete(l.banCache, ip)
		l.mu.Unlock()
		return false
	}

	ban, err := l.store.GetBan(ctx, ip)
	if err != nil || !ban.IsActive {
		return false
	}
	if ban.Lapsed(now) {
		if err := l.store.DeactivateBan(ctx, ip); err != nil {
			l.logger.Error("deactivate lapsed ban", "ip", ip, "error", err)
		}
		return false
	}

	l.mu.Lock()
	l.banCache[ip] = ban.ExpiresAt
	l.mu.Unlock()
	return true
}

// Ban applies or escalates a ban for the IP. An already-active ban is left
// alone; a lapsed or missing one gets the next duration in the schedule.
// The IP's score is wiped so it starts clean after serving the ban.
func (l *Ledger) Ban(ctx context.Context, ip string, reason string) {
	if l.Whitelisted(ip) {
		return
	}
	now := l.now()

	ban, err := l.store.GetBan(ctx, ip)
	switch {
	case err == nil && ban.IsActive && !ban.Lapsed(now):
		return
	case err == nil:
		ban.BanCount++
		ban.Reason = reason
		ban.BannedAt = now
		expires := now.Add(banDuration(ban.BanCount))
		ban.ExpiresAt = &expires
		ban.IsActive = true
		if err := l.store.UpdateBan(ctx, ban); err != nil {
			l.logger.Error("escalate ban", "ip", ip, "error", err)
			return
		}
	default:
		expires := now.Add(firstBanDuration)
		ban = &model.BannedIP{
			IP:        ip,
			Reason:    reason,
			BanCount:  1,
			BannedAt:  now,
			ExpiresAt: &expires,
			IsActive:  true,
		}
		if err := l.store.CreateBan(ctx, ban); err != nil {
			l.logger.Error("create ban", "ip", ip, "error", err)
			return
		}
	}

	l.mu.Lock()
	delete(l.scores, ip)
	delete(l.hydrated, ip)
	l.banCache[ip] = ban.ExpiresAt
	l.mu.Unlock()
	if err := l.store.DeleteThreatScore(ctx, ip); err != nil {
		l.logger.Error("clear threat score", "ip", ip, "error", err)
	}

	l.logger.Warn("ip banned", "ip", ip, "reason", reason,
		"ban_count", ban.BanCount, "expires_at", ban.ExpiresAt)
	l.notifier.Notify(notify.TriggerIPBanned, "IP banned", ip, map[string]any{
		"ip":         ip,
		"reason":     reason,
		"ban_count":  ban.BanCount,
		"expires_at": ban.ExpiresAt,
	})
}

// Unban lifts an active ban and wipes the IP's score. Administrative path;
// the ban count is kept so the escalation history survives.
func (l *Ledger) Unban(ctx context.Context, ip string) error {
	if err := l.store.DeactivateBan(ctx, ip); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.banCache, ip)
	delete(l.scores, ip)
	delete(l.hydrated, ip)
	l.mu.Unlock()
	return l.store.DeleteThreatScore(ctx, ip)
}

func banDuration(count int) time.Duration {
	switch {
	case count <= 1:
		return firstBanDuration
	case count == 2:
		return secondBanDuration
	default:
		return thirdBanDuration
	}
}

func (l *Ledger) persistScore(ip string, score int, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	row := &model.IPThreatScore{IP: ip, Score: score, FirstSeen: at, LastHit: at}
	if err := l.store.UpsertThreatScore(ctx, row); err != nil {
		l.logger.Error("persist threat score", "ip", ip, "error", err)
	}
}
