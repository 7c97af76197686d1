// Package journal is the durable store of download intents. It is backed by
// Badger, an embedded LSM-tree key-value store with its own write-ahead log
// and atomic multi-key transactions, split into an active namespace and a
// dead-letter namespace for intents that have exhausted their retry budget.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	activePrefix    = "active/"
	deadLetterPrefix = "deadletter/"

	// DefaultHeartbeatMinDelta is the minimum confirmed-byte delta that
	// triggers a heartbeat write to disk; smaller progress is coalesced
	// into the in-memory counter and caught by the next qualifying write.
	DefaultHeartbeatMinDelta int64 = 1024
	// DefaultMaxFailures is the failure count at which an intent is
	// moved to the dead-letter namespace instead of retried again.
	DefaultMaxFailures = 3
)

// ErrNotFound is returned when an intent id has no row in either namespace.
var ErrNotFound = errors.New("journal: intent not found")

// Status is the persisted lifecycle marker for an Intent row. The
// DownloadEngine's in-memory state machine has finer-grained states;
// Status only tracks what must survive a restart.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusVerifying  Status = "verifying"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Intent is the full durable context for one download, enough to resume or
// re-verify it after an unclean shutdown without consulting anything else.
type Intent struct {
	ID             string    `json:"id"`
	SourceURL      string    `json:"source_url"`
	DestPath       string    `json:"dest_path"`
	Lane           string    `json:"lane"`
	Priority       int       `json:"priority"`
	ExpectedSize   int64     `json:"expected_size"` // -1 if unknown
	ExpectedDigest string    `json:"expected_digest,omitempty"`
	DigestAlgo     string    `json:"digest_algo,omitempty"`
	ConfirmedBytes int64     `json:"confirmed_bytes"`
	FailureCount   int       `json:"failure_count"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`    // wall clock, audit only
	LastHeartbeat  int64     `json:"last_heartbeat"` // monotonic nanos, process-relative
	LastError      string    `json:"last_error,omitempty"`
}

// Journal is the Badger-backed durable intent store.
type Journal struct {
	db *badger.DB

	heartbeatMinDelta int64
	maxFailures       int
}

// Options configures a Journal's tunables; zero values fall back to the
// package defaults.
type Options struct {
	HeartbeatMinDelta int64
	MaxFailures       int
}

// Open opens (creating if necessary) a Badger database at dir and returns a
// ready Journal.
func Open(dir string, opts Options) (*Journal, error) {
	bopts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dir, err)
	}
	j := &Journal{
		db:                db,
		heartbeatMinDelta: opts.HeartbeatMinDelta,
		maxFailures:       opts.MaxFailures,
	}
	if j.heartbeatMinDelta <= 0 {
		j.heartbeatMinDelta = DefaultHeartbeatMinDelta
	}
	if j.maxFailures <= 0 {
		j.maxFailures = DefaultMaxFailures
	}
	return j, nil
}

// Close releases the underlying Badger handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// DB returns the underlying Badger handle so the config package can share
// the single on-disk file rather than opening a second store, per the
// persisted-layout decision in DESIGN.md.
func (j *Journal) DB() *badger.DB { return j.db }

func activeKey(id string) []byte     { return []byte(activePrefix + id) }
func deadLetterKey(id string) []byte { return []byte(deadLetterPrefix + id) }

// Put upserts an intent into the active namespace. A resubmission under an
// id already present preserves FailureCount, CreatedAt and ConfirmedBytes
// (and Status, when the new row leaves it empty) and updates the remaining
// fields. Put returns only an error; moving a re-prioritized intent to its
// new lane is left to the caller.
func (j *Journal) Put(intent Intent) error {
	if intent.ID == "" {
		return errors.New("journal: intent id required")
	}
	return j.db.Update(func(txn *badger.Txn) error {
		if existing, err := getTxn(txn, activeKey(intent.ID)); err == nil {
			intent.FailureCount = existing.FailureCount
			intent.CreatedAt = existing.CreatedAt
			intent.ConfirmedBytes = existing.ConfirmedBytes
			if intent.Status == "" {
				intent.Status = existing.Status
			}
		} else if intent.CreatedAt.IsZero() {
			intent.CreatedAt = time.Now()
		}
		if intent.Status == "" {
			intent.Status = StatusPending
		}
		return putTxn(txn, activeKey(intent.ID), intent)
	})
}

// Get returns the intent for id, checking the active namespace first and
// falling back to dead-letter.
func (j *Journal) Get(id string) (Intent, error) {
	var out Intent
	err := j.db.View(func(txn *badger.Txn) error {
		if v, err := getTxn(txn, activeKey(id)); err == nil {
			out = v
			return nil
		}
		v, err := getTxn(txn, deadLetterKey(id))
		if err != nil {
			return ErrNotFound
		}
		out = v
		return nil
	})
	return out, err
}

// Heartbeat advances confirmed_bytes and the monotonic last-heartbeat clock
// for an active intent. An advance smaller than heartbeat_min_delta since the
// last persisted value is coalesced (only the liveness clock is written),
// unless it reaches a known expected_size.
func (j *Journal) Heartbeat(id string, confirmedBytes int64, monotonicNanos int64) error {
	return j.db.Update(func(txn *badger.Txn) error {
		intent, err := getTxn(txn, activeKey(id))
		if err != nil {
			return ErrNotFound
		}
		delta := confirmedBytes - intent.ConfirmedBytes
		if delta < j.heartbeatMinDelta && (intent.ExpectedSize < 0 || confirmedBytes < intent.ExpectedSize) {
			// Still advance the liveness clock even when bytes are
			// coalesced, so stall detection doesn't fire on a task
			// that is genuinely making sub-threshold progress.
			intent.LastHeartbeat = monotonicNanos
			return putTxn(txn, activeKey(id), intent)
		}
		intent.ConfirmedBytes = confirmedBytes
		intent.LastHeartbeat = monotonicNanos
		return putTxn(txn, activeKey(id), intent)
	})
}

// BumpFailure increments failure_count and records the error. If the count
// reaches max_failures, the intent is moved into the dead-letter namespace
// and the returned bool is true.
func (j *Journal) BumpFailure(id string, cause error) (poisoned bool, err error) {
	err = j.db.Update(func(txn *badger.Txn) error {
		intent, gerr := getTxn(txn, activeKey(id))
		if gerr != nil {
			return ErrNotFound
		}
		intent.FailureCount++
		if cause != nil {
			intent.LastError = cause.Error()
		}
		if intent.FailureCount >= j.maxFailures {
			intent.Status = StatusFailed
			poisoned = true
			if derr := txn.Delete(activeKey(id)); derr != nil {
				return derr
			}
			return putTxn(txn, deadLetterKey(id), intent)
		}
		return putTxn(txn, activeKey(id), intent)
	})
	return poisoned, err
}

// ResetFailure clears failure_count, used after a confirmed byte of
// progress so a flaky-then-recovering peer doesn't inherit stale strikes.
func (j *Journal) ResetFailure(id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		intent, err := getTxn(txn, activeKey(id))
		if err != nil {
			return ErrNotFound
		}
		if intent.FailureCount == 0 {
			return nil
		}
		intent.FailureCount = 0
		return putTxn(txn, activeKey(id), intent)
	})
}

// Commit marks an intent completed and removes it from the active
// namespace; a completed intent is not retained, matching the "Journal
// holds pending work, not history" contract.
func (j *Journal) Commit(id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		if _, err := getTxn(txn, activeKey(id)); err != nil {
			return ErrNotFound
		}
		return txn.Delete(activeKey(id))
	})
}

// Remove deletes an intent from whichever namespace holds it. Used by an
// explicit Cancel, where the row is not meant to survive — unlike Commit,
// which only ever removes from the active namespace on success.
func (j *Journal) Remove(id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		_ = txn.Delete(activeKey(id))
		_ = txn.Delete(deadLetterKey(id))
		return nil
	})
}

// ResetDeadLetter moves an intent from dead-letter back to active with
// FailureCount cleared, ready to be re-submitted to the LaneScheduler.
func (j *Journal) ResetDeadLetter(id string) (Intent, error) {
	var out Intent
	err := j.db.Update(func(txn *badger.Txn) error {
		intent, err := getTxn(txn, deadLetterKey(id))
		if err != nil {
			return ErrNotFound
		}
		intent.FailureCount = 0
		intent.Status = StatusPending
		intent.LastError = ""
		if err := txn.Delete(deadLetterKey(id)); err != nil {
			return err
		}
		if err := putTxn(txn, activeKey(id), intent); err != nil {
			return err
		}
		out = intent
		return nil
	})
	return out, err
}

// ListActiveOrdered returns every active intent sorted by (priority asc,
// created_at asc) — lower priority is more urgent — the order the
// orchestrator's boot recovery sweep resubmits in.
func (j *Journal) ListActiveOrdered() ([]Intent, error) {
	var out []Intent
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(activePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var intent Intent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &intent)
			}); err != nil {
				return err
			}
			out = append(out, intent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// ListDeadLetter returns every dead-lettered intent.
func (j *Journal) ListDeadLetter() ([]Intent, error) {
	var out []Intent
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var intent Intent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &intent)
			}); err != nil {
				return err
			}
			out = append(out, intent)
		}
		return nil
	})
	return out, err
}

// ListStale returns active intents whose last heartbeat is older than
// staleAfter nanoseconds measured against now (both monotonic clock
// readings from the same process epoch). Boot recovery and the engine's
// stall detector do not call it; they use ListActiveOrdered and the run's
// own progress clock.
func (j *Journal) ListStale(now int64, staleAfter int64) ([]Intent, error) {
	all, err := j.ListActiveOrdered()
	if err != nil {
		return nil, err
	}
	var out []Intent
	for _, intent := range all {
		if now-intent.LastHeartbeat > staleAfter {
			out = append(out, intent)
		}
	}
	return out, nil
}

func getTxn(txn *badger.Txn, key []byte) (Intent, error) {
	var out Intent
	item, err := txn.Get(key)
	if err != nil {
		return out, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	})
	return out, err
}

func putTxn(txn *badger.Txn, key []byte, intent Intent) error {
	b, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}
