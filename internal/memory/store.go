package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Pattern is an aggregated record of repeated successes for one
// (domain, action, selector, context) key.
type Pattern struct {
	Domain        string    `json:"domain"`
	ActionType    string    `json:"action_type"`
	Selector      string    `json:"selector"`
	Context       string    `json:"context"`
	SuccessCount  int       `json:"success_count"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastUsed      time.Time `json:"last_used"`
}

// Failure is one append-only failure log entry.
type Failure struct {
	Domain     string    `json:"domain"`
	ActionType string    `json:"action_type"`
	Selector   string    `json:"selector,omitempty"`
	Reason     string    `json:"reason"`
	PageURL    string    `json:"page_url,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DomainInsight holds per-domain running statistics.
type DomainInsight struct {
	Domain          string    `json:"domain"`
	TotalVisits     int       `json:"total_visits"`
	SuccessRate     float64   `json:"success_rate"`
	AvgSteps        float64   `json:"avg_steps"`
	HasBotDetection bool      `json:"has_bot_detection"`
	BestStrategy    string    `json:"best_strategy,omitempty"`
	LastVisit       time.Time `json:"last_visit"`
}

// TaskRecord is one completed task attempt.
type TaskRecord struct {
	SessionID     string
	Task          string
	Success       bool
	Steps         int
	Duration      time.Duration
	FinalURL      string
	CollectedData any
	Timestamp     time.Time
}

// Stats aggregates counts across all tables.
type Stats struct {
	PatternsLearned  int     `json:"patterns_learned"`
	FailuresRecorded int     `json:"failures_recorded"`
	TasksCompleted   int     `json:"tasks_completed"`
	SuccessRate      float64 `json:"success_rate"`
	DomainsVisited   int     `json:"domains_visited"`
}

// Store is the persistent pattern store. Writes never return errors:
// failures are logged and dropped so learning cannot stall the step loop.
// Reads that fail return empty values.
type Store struct {
	db       *sql.DB
	logger   zerolog.Logger
	now      func() time.Time
	mu       sync.Mutex
	insights *otter.Cache[string, DomainInsight]

	cacheSize int
	cacheTTL  time.Duration
}

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithInsightCache enables a bounded read-through cache for DomainInsight
// lookups. size <= 0 disables it.
func WithInsightCache(size int, ttl time.Duration) Option {
	return func(s *Store) {
		s.cacheSize = size
		s.cacheTTL = ttl
	}
}

const migration = `
CREATE TABLE IF NOT EXISTS success_patterns (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	domain         TEXT    NOT NULL,
	action_type    TEXT    NOT NULL,
	selector       TEXT    NOT NULL,
	context        TEXT    NOT NULL DEFAULT '',
	success_count  INTEGER NOT NULL DEFAULT 1,
	avg_confidence REAL    NOT NULL,
	last_used      INTEGER NOT NULL,
	UNIQUE(domain, action_type, selector, context)
);

CREATE TABLE IF NOT EXISTS failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	domain      TEXT    NOT NULL,
	action_type TEXT    NOT NULL,
	selector    TEXT    NOT NULL DEFAULT '',
	reason      TEXT    NOT NULL,
	page_url    TEXT    NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT    NOT NULL DEFAULT '',
	task             TEXT    NOT NULL,
	success          INTEGER NOT NULL,
	steps_taken      INTEGER NOT NULL,
	duration_seconds REAL    NOT NULL,
	final_url        TEXT    NOT NULL DEFAULT '',
	collected_data   TEXT    NOT NULL DEFAULT '',
	timestamp        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS domain_insights (
	domain            TEXT PRIMARY KEY,
	total_visits      INTEGER NOT NULL,
	success_rate      REAL    NOT NULL,
	avg_steps         REAL    NOT NULL,
	has_bot_detection INTEGER NOT NULL DEFAULT 0,
	best_strategy     TEXT    NOT NULL DEFAULT '',
	last_visit        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_domain_action ON success_patterns(domain, action_type);
CREATE INDEX IF NOT EXISTS idx_failures_domain_ts ON failures(domain, timestamp);
`

// Open opens (creating if needed) the sqlite database at path and
// migrates it. path may be ":memory:".
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrapf(err, "memory: create dir %s", dir)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "memory: open")
	}
	if inMemory {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "memory: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "memory: migrate")
	}
	s.db = db

	if s.cacheSize > 0 {
		builder := otter.MustBuilder[string, DomainInsight](s.cacheSize)
		var cache otter.Cache[string, DomainInsight]
		if s.cacheTTL > 0 {
			cache, err = builder.WithTTL(s.cacheTTL).Build()
		} else {
			cache, err = builder.Build()
		}
		if err != nil {
			db.Close()
			return nil, eris.Wrap(err, "memory: build insight cache")
		}
		s.insights = &cache
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.insights != nil {
		s.insights.Close()
	}
	return s.db.Close()
}

// RecordSuccess upserts a success pattern. A repeat success increments the
// count and blends the stored confidence with the new one as (old+new)/2.
func (s *Store) RecordSuccess(ctx context.Context, domain, actionType, selector, contextLabel string, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO success_patterns (domain, action_type, selector, context, success_count, avg_confidence, last_used)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(domain, action_type, selector, context) DO UPDATE SET
			success_count  = success_count + 1,
			avg_confidence = (avg_confidence + excluded.avg_confidence) / 2.0,
			last_used      = excluded.last_used`,
		domain, actionType, selector, contextLabel, clampConfidence(confidence), s.now().UnixNano())
	if err != nil {
		s.logWriteErr("record_success", domain, err)
	}
}

// RecordFailure appends a failure entry.
func (s *Store) RecordFailure(ctx context.Context, domain, actionType, reason, selector, pageURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (domain, action_type, selector, reason, page_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		domain, actionType, selector, reason, pageURL, s.now().UnixNano())
	if err != nil {
		s.logWriteErr("record_failure", domain, err)
	}
}

// BestSelectors returns the strongest known patterns for domain and
// actionType whose context contains contextSubstr. Empty means no prior
// experience.
func (s *Store) BestSelectors(ctx context.Context, domain, actionType, contextSubstr string, limit int) []Pattern {
	if limit <= 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, action_type, selector, context, success_count, avg_confidence, last_used
		FROM success_patterns
		WHERE domain = ? AND action_type = ? AND instr(context, ?) > 0
		ORDER BY success_count DESC, avg_confidence DESC, last_used DESC, id ASC
		LIMIT ?`,
		domain, actionType, contextSubstr, limit)
	if err != nil {
		s.logReadErr("best_selectors", domain, err)
		return nil
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var lastUsed int64
		if err := rows.Scan(&p.Domain, &p.ActionType, &p.Selector, &p.Context, &p.SuccessCount, &p.AvgConfidence, &lastUsed); err != nil {
			s.logReadErr("best_selectors", domain, err)
			return nil
		}
		p.LastUsed = time.Unix(0, lastUsed)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		s.logReadErr("best_selectors", domain, err)
		return nil
	}
	return out
}

// RecentFailures returns the newest failures for domain, optionally
// narrowed to one action type.
func (s *Store) RecentFailures(ctx context.Context, domain, actionType string, limit int) []Failure {
	if limit <= 0 {
		return nil
	}
	query := `SELECT domain, action_type, selector, reason, page_url, timestamp FROM failures WHERE domain = ?`
	args := []any{domain}
	if actionType != "" {
		query += ` AND action_type = ?`
		args = append(args, actionType)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logReadErr("recent_failures", domain, err)
		return nil
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var ts int64
		if err := rows.Scan(&f.Domain, &f.ActionType, &f.Selector, &f.Reason, &f.PageURL, &ts); err != nil {
			s.logReadErr("recent_failures", domain, err)
			return nil
		}
		f.Timestamp = time.Unix(0, ts)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		s.logReadErr("recent_failures", domain, err)
		return nil
	}
	return out
}

// DomainInsight returns the stored insight for domain. ok is false when
// the domain was never visited or the read failed.
func (s *Store) DomainInsight(ctx context.Context, domain string) (DomainInsight, bool) {
	if s.insights != nil {
		if in, ok := s.insights.Get(domain); ok {
			return in, true
		}
	}
	if s.insights == nil {
		return s.readInsight(ctx, domain)
	}
	// load and Set under mu so an update cannot land between them and
	// leave the cache holding the older row
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.readInsight(ctx, domain)
	if ok {
		s.insights.Set(domain, in)
	}
	return in, ok
}

func (s *Store) readInsight(ctx context.Context, domain string) (DomainInsight, bool) {
	in, ok, err := s.loadInsight(ctx, s.db, domain)
	if err != nil {
		s.logReadErr("domain_insight", domain, err)
		return DomainInsight{}, false
	}
	return in, ok
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadInsight(ctx context.Context, q querier, domain string) (DomainInsight, bool, error) {
	var in DomainInsight
	var bot int
	var lastVisit int64
	err := q.QueryRowContext(ctx, `
		SELECT domain, total_visits, success_rate, avg_steps, has_bot_detection, best_strategy, last_visit
		FROM domain_insights WHERE domain = ?`, domain).
		Scan(&in.Domain, &in.TotalVisits, &in.SuccessRate, &in.AvgSteps, &bot, &in.BestStrategy, &lastVisit)
	if errors.Is(err, sql.ErrNoRows) {
		return DomainInsight{}, false, nil
	}
	if err != nil {
		return DomainInsight{}, false, eris.Wrap(err, "memory: load insight")
	}
	in.HasBotDetection = bot != 0
	in.LastVisit = time.Unix(0, lastVisit)
	return in, true, nil
}

// UpdateDomainInsight folds one visit into the domain's statistics using a
// true running mean: new = (old*(n-1) + sample) / n with n the new visit
// count. Bot detection, once seen, stays flagged.
func (s *Store) UpdateDomainInsight(ctx context.Context, domain string, steps int, success, hasBotDetection bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateInsight(ctx, domain, steps, success, hasBotDetection); err != nil {
		s.logWriteErr("update_domain_insight", domain, err)
	}
	if s.insights != nil {
		s.insights.Delete(domain)
	}
}

func (s *Store) updateInsight(ctx context.Context, domain string, steps int, success, hasBotDetection bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "memory: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	sample := 0.0
	if success {
		sample = 1.0
	}
	now := s.now().UnixNano()

	cur, ok, err := s.loadInsight(ctx, tx, domain)
	if err != nil {
		return err
	}
	if !ok {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO domain_insights (domain, total_visits, success_rate, avg_steps, has_bot_detection, last_visit)
			VALUES (?, 1, ?, ?, ?, ?)`,
			domain, sample, float64(steps), boolInt(hasBotDetection), now)
		if err != nil {
			return eris.Wrap(err, "memory: insert insight")
		}
		return eris.Wrap(tx.Commit(), "memory: commit")
	}

	n := float64(cur.TotalVisits + 1)
	rate := (cur.SuccessRate*(n-1) + sample) / n
	avgSteps := (cur.AvgSteps*(n-1) + float64(steps)) / n
	_, err = tx.ExecContext(ctx, `
		UPDATE domain_insights
		SET total_visits = ?, success_rate = ?, avg_steps = ?, has_bot_detection = ?, last_visit = ?
		WHERE domain = ?`,
		cur.TotalVisits+1, rate, avgSteps, boolInt(cur.HasBotDetection || hasBotDetection), now, domain)
	if err != nil {
		return eris.Wrap(err, "memory: update insight")
	}
	return eris.Wrap(tx.Commit(), "memory: commit")
}

// SetBestStrategy stores a free-form strategy note for a known domain.
func (s *Store) SetBestStrategy(ctx context.Context, domain, strategy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE domain_insights SET best_strategy = ? WHERE domain = ?`, strategy, domain); err != nil {
		s.logWriteErr("set_best_strategy", domain, err)
	}
	if s.insights != nil {
		s.insights.Delete(domain)
	}
}

// SaveTask appends a task attempt to history.
func (s *Store) SaveTask(ctx context.Context, rec TaskRecord) {
	data := ""
	if rec.CollectedData != nil {
		raw, err := json.Marshal(rec.CollectedData)
		if err != nil {
			s.logger.Warn().Err(err).Str("op", "save_task").Msg("collected data not serializable")
		} else {
			data = string(raw)
		}
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (session_id, task, success, steps_taken, duration_seconds, final_url, collected_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Task, boolInt(rec.Success), rec.Steps, rec.Duration.Seconds(), rec.FinalURL, data, ts.UnixNano())
	if err != nil {
		s.logWriteErr("save_task", ExtractDomain(rec.FinalURL), err)
	}
}

// Stats reports aggregate counts. A failed read yields zero values.
func (s *Store) Stats(ctx context.Context) Stats {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM success_patterns),
			(SELECT COUNT(*) FROM failures),
			(SELECT COUNT(*) FROM task_history),
			(SELECT COALESCE(AVG(success), 0.0) FROM task_history),
			(SELECT COUNT(*) FROM domain_insights)`).
		Scan(&st.PatternsLearned, &st.FailuresRecorded, &st.TasksCompleted, &st.SuccessRate, &st.DomainsVisited)
	if err != nil {
		s.logReadErr("stats", "", err)
		return Stats{}
	}
	return st
}

// Domains lists insights, most recently visited first.
func (s *Store) Domains(ctx context.Context, limit int) []DomainInsight {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, total_visits, success_rate, avg_steps, has_bot_detection, best_strategy, last_visit
		FROM domain_insights ORDER BY last_visit DESC, domain ASC LIMIT ?`, limit)
	if err != nil {
		s.logReadErr("domains", "", err)
		return nil
	}
	defer rows.Close()

	var out []DomainInsight
	for rows.Next() {
		var in DomainInsight
		var bot int
		var lastVisit int64
		if err := rows.Scan(&in.Domain, &in.TotalVisits, &in.SuccessRate, &in.AvgSteps, &bot, &in.BestStrategy, &lastVisit); err != nil {
			s.logReadErr("domains", "", err)
			return nil
		}
		in.HasBotDetection = bot != 0
		in.LastVisit = time.Unix(0, lastVisit)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		s.logReadErr("domains", "", err)
		return nil
	}
	return out
}

func (s *Store) logWriteErr(op, domain string, err error) {
	s.logger.Warn().Err(err).Str("op", op).Str("domain", domain).Msg("memory write dropped")
}

func (s *Store) logReadErr(op, domain string, err error) {
	s.logger.Warn().Err(err).Str("op", op).Str("domain", domain).Msg("memory read failed")
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 10:
		return 10
	default:
		return c
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
