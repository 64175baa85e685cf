// Package abuse throttles download traffic per origin and per client key and
// escalates subjects that keep exceeding the threshold.
package abuse

import (
	"context"
	"strings"
	"sync"
	"time"

	"darkroom/pkg/audit"
	"darkroom/pkg/metrics"
	"darkroom/pkg/models"
	"darkroom/pkg/ratelimit"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

var defaultBotPatterns = []string{
	"bot", "crawler", "spider", "scrapy", "curl/", "wget/", "python-requests",
	"go-http-client", "headlesschrome", "phantomjs", "httpclient",
}

type Subject struct {
	Origin    string
	ClientKey string
	UserAgent string
}

type Verdict struct {
	Allowed    bool
	Level      models.AbuseLevel
	Suspicious bool
	// Scope names the subject that was limited: "origin" or "client".
	Scope      string
	RetryAfter time.Duration
	RetryAt    time.Time
}

func (v Verdict) Outcome() models.RateLimited {
	return models.RateLimited{RetryAfter: v.RetryAfter, RetryAt: v.RetryAt}
}

type Options struct {
	Threshold   int
	Window      time.Duration
	BlockFor    time.Duration
	MaxSubjects int
	BotPatterns []string
	HashSalt    []byte
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Registry
	Audit       audit.Sink
}

// Guard combines a sliding-window limiter with per-subject escalation state.
// Records live in a bounded LRU and expire after a quiet period, so state is
// approximate across restarts and replicas.
type Guard struct {
	limiter   ratelimit.Limiter
	threshold int
	window    time.Duration
	blockFor  time.Duration
	bots      []string
	salt      []byte
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Registry
	audit     audit.Sink

	mu      sync.Mutex
	records *expirable.LRU[string, models.AbuseRecord]
}

func NewGuard(limiter ratelimit.Limiter, opts Options) *Guard {
	g := &Guard{
		limiter:   limiter,
		threshold: opts.Threshold,
		window:    opts.Window,
		blockFor:  opts.BlockFor,
		bots:      opts.BotPatterns,
		salt:      opts.HashSalt,
		now:       opts.Now,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
	}
	if g.threshold <= 0 {
		g.threshold = 30
	}
	if g.window <= 0 {
		g.window = time.Minute
	}
	if g.blockFor <= 0 {
		g.blockFor = 15 * time.Minute
	}
	if len(g.bots) == 0 {
		g.bots = defaultBotPatterns
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	if g.limiter == nil {
		g.limiter = ratelimit.NewInMemorySized(g.window, opts.MaxSubjects, g.now)
	}
	size := opts.MaxSubjects
	if size <= 0 {
		size = ratelimit.DefaultMaxKeys
	}
	// Escalation must outlive a block, and offenses are compared across
	// consecutive windows.
	ttl := g.blockFor + 4*g.window
	g.records = expirable.NewLRU[string, models.AbuseRecord](size, nil, ttl)
	return g
}

// IsBot reports whether the user agent looks automated.
func (g *Guard) IsBot(userAgent string) bool {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return true
	}
	for _, p := range g.bots {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

// Check counts one request for every identified part of s and reports
// whether it may proceed. Bots are flagged but not blocked on that basis.
func (g *Guard) Check(ctx context.Context, s Subject) Verdict {
	now := g.now().UTC()
	v := Verdict{Allowed: true}
	if g.IsBot(s.UserAgent) {
		v.Suspicious = true
	}
	subjects := make([][2]string, 0, 2)
	if o := strings.TrimSpace(s.Origin); o != "" {
		subjects = append(subjects, [2]string{"origin", o})
	}
	if k := strings.TrimSpace(s.ClientKey); k != "" {
		subjects = append(subjects, [2]string{"client", k})
	}
	for _, sub := range subjects {
		sv := g.checkOne(ctx, sub[0], sub[1], s.UserAgent, v.Suspicious, now)
		if sv.Level > v.Level {
			v.Level = sv.Level
		}
		if !sv.Allowed && (v.Allowed || sv.RetryAfter > v.RetryAfter) {
			v.Allowed = false
			v.Scope = sv.Scope
			v.RetryAfter = sv.RetryAfter
			v.RetryAt = sv.RetryAt
		}
	}
	switch {
	case !v.Allowed:
		g.metrics.IncAbuse("rate_limited")
	case v.Suspicious:
		g.metrics.IncAbuse("suspicious")
	default:
		g.metrics.IncAbuse("allowed")
	}
	return v
}

func (g *Guard) checkOne(ctx context.Context, scope, id, userAgent string, suspicious bool, now time.Time) Verdict {
	key := scope + ":" + id
	g.mu.Lock()
	rec, ok := g.records.Get(key)
	if !ok {
		rec = models.AbuseRecord{Subject: key, FirstSeen: now}
	}
	rec.Count++
	rec.LastSeen = now
	if rec.Level == models.LevelBlocked {
		if now.Before(rec.BlockedUntil) {
			g.records.Add(key, rec)
			g.mu.Unlock()
			return Verdict{Level: rec.Level, Scope: scope, RetryAfter: rec.BlockedUntil.Sub(now), RetryAt: rec.BlockedUntil}
		}
		rec.Level = models.LevelNormal
		rec.Offenses = 0
		rec.BlockedUntil = time.Time{}
	}
	flag := suspicious && now.Sub(rec.FlaggedAt) >= g.window
	if flag {
		rec.FlaggedAt = now
	}
	level := rec.Level
	g.records.Add(key, rec)
	g.mu.Unlock()

	if flag {
		audit.Emit(ctx, g.audit, g.log, audit.Event{
			Kind:    audit.KindAbuseFlagged,
			Subject: id,
			Detail:  map[string]any{"scope": scope, "user_agent": userAgent, "reason": "automated user agent"},
		})
	}

	threshold := g.threshold
	if level == models.LevelDeprioritized {
		threshold = max(1, threshold/2)
	}
	d := g.limiter.Allow(ctx, key, threshold)
	if d.Allowed {
		return Verdict{Allowed: true, Level: level}
	}
	retryAt := d.ResetAt
	if retryAt.IsZero() {
		retryAt = now.Add(d.RetryAfter)
	}
	out := Verdict{Level: level, Scope: scope, RetryAfter: d.RetryAfter, RetryAt: retryAt}
	if next, escalated := g.offend(key, now); escalated {
		out.Level = next.Level
		if next.Level == models.LevelBlocked {
			out.RetryAfter = next.BlockedUntil.Sub(now)
			out.RetryAt = next.BlockedUntil
		}
		g.log.Warn("abuse escalation",
			zap.String("subject", audit.HashSubject(key, g.salt)),
			zap.String("level", next.Level.String()),
			zap.Int("offenses", next.Offenses))
		audit.Emit(ctx, g.audit, g.log, audit.Event{
			Kind:    audit.KindAbuseEscalated,
			Subject: id,
			Detail: map[string]any{
				"scope":         scope,
				"level":         next.Level.String(),
				"offenses":      next.Offenses,
				"blocked_until": next.BlockedUntil,
			},
		})
		g.metrics.IncAbuse("escalated_" + next.Level.String())
	}
	return out
}

// offend records at most one offense per window for key and escalates on
// offenses in later windows.
func (g *Guard) offend(key string, now time.Time) (models.AbuseRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records.Get(key)
	if !ok {
		rec = models.AbuseRecord{Subject: key, FirstSeen: now, LastSeen: now}
	}
	if rec.Offenses > 0 && now.Sub(rec.LastOffense) < g.window {
		return rec, false
	}
	rec.Offenses++
	rec.LastOffense = now
	escalated := false
	switch {
	case rec.Level == models.LevelNormal && rec.Offenses >= 2:
		rec.Level = models.LevelDeprioritized
		escalated = true
	case rec.Level == models.LevelDeprioritized && rec.Offenses >= 3:
		rec.Level = models.LevelBlocked
		rec.BlockedUntil = now.Add(g.blockFor)
		escalated = true
	}
	g.records.Add(key, rec)
	return rec, escalated
}

// Record returns the current escalation state for a subject key such as
// "origin:203.0.113.9".
func (g *Guard) Record(key string) (models.AbuseRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records.Get(key)
}
