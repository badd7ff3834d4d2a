package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/clock"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/metrics"
)

const (
	bucketLedger = "activity_ledger"
	keyRecords   = "records"
)

// Ledger is the durable per-day activity store. The whole record map is
// persisted as a single blob on every mutation; mutations complete their
// write before returning. An internal mutex serializes the orchestrator's
// synchronous writes against the sync engine's merges.
type Ledger struct {
	db      *bbolt.DB
	clk     clock.Clock
	logger  zerolog.Logger
	mu      sync.Mutex
	records map[string]Record
}

// Open opens a bbolt-backed ledger at path, loading any existing records.
func Open(path string, clk clock.Clock, logger zerolog.Logger) (*Ledger, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	l := &Ledger{
		db:      db,
		clk:     clk,
		logger:  logger.With().Str("component", "ledger").Logger(),
		records: make(map[string]Record),
	}

	if err := l.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) load() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketLedger))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketLedger, err)
		}

		data := b.Get([]byte(keyRecords))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &l.records); err != nil {
			return fmt.Errorf("unmarshal ledger: %w", err)
		}
		return nil
	})
}

// persist writes the entire record map. Must be called with the lock held.
func (l *Ledger) persist() error {
	data, err := json.Marshal(l.records)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if b == nil {
			return fmt.Errorf("ledger bucket missing")
		}
		return b.Put([]byte(keyRecords), data)
	})
}

// today materializes the current day's record if it does not exist yet and
// returns its key. Must be called with the lock held. Day rollover is
// implicit: once midnight passes, the key changes and a fresh zero record
// is created, leaving the previous day untouched.
func (l *Ledger) today() string {
	now := l.clk.Now()
	date := now.Format(DateFormat)

	if _, ok := l.records[date]; !ok {
		l.records[date] = Record{
			Date:        date,
			CreatedAt:   now,
			LastUpdated: now,
		}
		l.logger.Debug().Str("date", date).Msg("Materialized record for new day")
	}

	return date
}

// AddMinutes adds n working minutes to today's record and persists.
func (l *Ledger) AddMinutes(n int) error {
	if n <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	date := l.today()
	rec := l.records[date]
	rec.WorkingMinutes += n
	rec.LastUpdated = l.touch(rec.LastUpdated)
	l.records[date] = rec

	if err := l.persist(); err != nil {
		return fmt.Errorf("persist after adding minutes: %w", err)
	}

	metrics.WorkMinutesRecorded.Add(float64(n))

	l.logger.Debug().
		Str("date", date).
		Int("working_minutes", rec.WorkingMinutes).
		Msg("Working minutes recorded")

	return nil
}

// AddExtendedSession increments today's extended-session counter and persists.
func (l *Ledger) AddExtendedSession() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	date := l.today()
	rec := l.records[date]
	rec.ExtendedSessions++
	rec.LastUpdated = l.touch(rec.LastUpdated)
	l.records[date] = rec

	if err := l.persist(); err != nil {
		return fmt.Errorf("persist after extended session: %w", err)
	}

	metrics.ExtendedSessions.Inc()

	l.logger.Debug().
		Str("date", date).
		Int("extended_sessions", rec.ExtendedSessions).
		Msg("Extended session recorded")

	return nil
}

// touch returns a LastUpdated value that never moves backwards, even if the
// clock does.
func (l *Ledger) touch(prev time.Time) time.Time {
	now := l.clk.Now()
	if now.Before(prev) {
		return prev
	}
	return now
}

// RecentRecords returns records for the given number of consecutive calendar
// dates ending today, in chronological order. Dates with no stored record
// are filled with zero-valued entries so callers never see gaps.
func (l *Ledger) RecentRecords(days int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	out := make([]Record, 0, days)
	for i := days - 1; i >= 0; i-- {
		date := now.AddDate(0, 0, -i).Format(DateFormat)
		if rec, ok := l.records[date]; ok {
			out = append(out, rec)
			continue
		}
		out = append(out, Record{Date: date})
	}
	return out
}

// Snapshot returns all stored records sorted by date.
func (l *Ledger) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

func (l *Ledger) sortedLocked() []Record {
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// ChangedSince returns records whose LastUpdated is strictly after the
// watermark, sorted by date.
func (l *Ledger) ChangedSince(watermark time.Time) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0)
	for _, rec := range l.records {
		if rec.LastUpdated.After(watermark) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// LastDays returns stored records within the trailing n-day window ending
// today, sorted by date. Used to bound the first sync when no watermark
// exists.
func (l *Ledger) LastDays(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Same window arithmetic as RecentRecords: today counts as day one.
	cutoff := l.clk.Now().AddDate(0, 0, -(n - 1)).Format(DateFormat)
	out := make([]Record, 0)
	for _, rec := range l.records {
		if rec.Date >= cutoff {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// MergeRemote deep-merges authoritative remote records into the ledger,
// day by day. Remote values win per field; LastUpdated stays monotonic.
func (l *Ledger) MergeRemote(remote []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range remote {
		if r.Date == "" {
			continue
		}
		local, ok := l.records[r.Date]
		if !ok {
			l.records[r.Date] = r
			continue
		}

		local.WorkingMinutes = r.WorkingMinutes
		local.ExtendedSessions = r.ExtendedSessions
		if r.LastUpdated.After(local.LastUpdated) {
			local.LastUpdated = r.LastUpdated
		}
		if !r.CreatedAt.IsZero() && r.CreatedAt.Before(local.CreatedAt) {
			local.CreatedAt = r.CreatedAt
		}
		l.records[r.Date] = local
	}

	if err := l.persist(); err != nil {
		return fmt.Errorf("persist after merge: %w", err)
	}

	l.logger.Info().Int("records", len(remote)).Msg("Merged remote records")
	return nil
}

// ReplaceAll replaces the entire ledger with the remote authoritative
// snapshot. Used after a full sync.
func (l *Ledger) ReplaceAll(remote []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[string]Record, len(remote))
	for _, r := range remote {
		if r.Date == "" {
			continue
		}
		next[r.Date] = r
	}
	l.records = next

	if err := l.persist(); err != nil {
		return fmt.Errorf("persist after replace: %w", err)
	}

	l.logger.Info().Int("records", len(remote)).Msg("Replaced ledger with remote snapshot")
	return nil
}

// Reset deletes all records. Test and explicit-reset tooling only.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make(map[string]Record)
	if err := l.persist(); err != nil {
		return fmt.Errorf("persist after reset: %w", err)
	}
	return nil
}
