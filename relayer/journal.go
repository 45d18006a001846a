package relayer

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

// Status of a journaled custody event.
const (
	StatusPending   = "pending"
	StatusApplied   = "applied"
	StatusDead      = "dead"
	StatusDiscarded = "discarded"
)

var (
	// ErrEventNotFound is returned for lookups of unknown journal ids.
	ErrEventNotFound = errors.New("relayer journal: event not found")
	// ErrNotDeadLettered rejects operator resolutions of live events.
	ErrNotDeadLettered = errors.New("relayer journal: event is not dead-lettered")
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS custody_events (
    id              TEXT PRIMARY KEY,
    digest          TEXT NOT NULL UNIQUE,
    origin_asset_id INTEGER NOT NULL,
    domain          TEXT NOT NULL,
    prev_holder     TEXT NOT NULL,
    new_holder      TEXT NOT NULL,
    origin_height   INTEGER NOT NULL,
    nonce           INTEGER NOT NULL,
    event_hash      TEXT NOT NULL,
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    reason          TEXT NOT NULL DEFAULT '',
    received_at     TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_custody_events_asset_status
    ON custody_events(origin_asset_id, status, nonce);
`

// StoredEvent is a journaled custody event with its delivery bookkeeping.
type StoredEvent struct {
	ID       string
	Event    CustodyEvent
	Status   string
	Attempts int
	Reason   string
}

// Journal is the relayer's durable at-least-once receipt log. Every received
// custody event lands here before any apply attempt; redelivered receipts
// collapse onto the original row via the content digest; dead letters stay
// queryable until an operator retries or discards them.
type Journal struct {
	db *sql.DB
}

// OpenJournal initialises the sqlite-backed journal at the given DSN. Use
// ":memory:" for tests.
func OpenJournal(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("relayer journal: path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("relayer journal: open database: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relayer journal: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record journals a received event. Redelivery of an identical receipt returns
// the original row id with duplicate=true and writes nothing.
func (j *Journal) Record(ctx context.Context, event CustodyEvent) (string, bool, error) {
	if j == nil || j.db == nil {
		return "", false, errors.New("relayer journal: not configured")
	}
	digest := event.Digest()

	var existing string
	err := j.db.QueryRowContext(ctx, `SELECT id FROM custody_events WHERE digest = ?`, digest).Scan(&existing)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("relayer journal: lookup digest: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	prev := ""
	if !event.PreviousHolder.IsZero() {
		prev = event.PreviousHolder.String()
	}
	_, err = j.db.ExecContext(ctx, `
        INSERT INTO custody_events(
            id, digest, origin_asset_id, domain, prev_holder, new_holder,
            origin_height, nonce, event_hash, status, attempts, reason,
            received_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
    `, id, digest, event.OriginAssetID, event.Domain, prev, event.NewHolder.String(),
		event.OriginBlockHeight, event.Nonce, hex.EncodeToString(event.EventHash[:]),
		StatusPending, now, now)
	if err != nil {
		return "", false, fmt.Errorf("relayer journal: insert event: %w", err)
	}
	return id, false, nil
}

// MarkApplied finalizes a successful delivery.
func (j *Journal) MarkApplied(ctx context.Context, id string, attempts int) error {
	return j.setStatus(ctx, id, StatusApplied, attempts, "")
}

// MarkRetrying persists the attempt count and last failure of a delivery that
// will be retried. The row stays pending so a restart resumes the schedule
// with the budget already consumed.
func (j *Journal) MarkRetrying(ctx context.Context, id string, attempts int, reason string) error {
	return j.setStatus(ctx, id, StatusPending, attempts, reason)
}

// MarkDead parks an event for operator review after the retry budget ran out.
func (j *Journal) MarkDead(ctx context.Context, id string, attempts int, reason string) error {
	return j.setStatus(ctx, id, StatusDead, attempts, reason)
}

func (j *Journal) setStatus(ctx context.Context, id, status string, attempts int, reason string) error {
	if j == nil || j.db == nil {
		return errors.New("relayer journal: not configured")
	}
	res, err := j.db.ExecContext(ctx, `
        UPDATE custody_events SET status = ?, attempts = ?, reason = ?, updated_at = ?
        WHERE id = ?
    `, status, attempts, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("relayer journal: update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relayer journal: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Requeue moves a dead-lettered event back to pending for another delivery
// cycle. Only dead letters may be requeued.
func (j *Journal) Requeue(ctx context.Context, id string) (*StoredEvent, error) {
	stored, err := j.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Status != StatusDead {
		return nil, ErrNotDeadLettered
	}
	if err := j.setStatus(ctx, id, StatusPending, 0, ""); err != nil {
		return nil, err
	}
	stored.Status = StatusPending
	stored.Attempts = 0
	stored.Reason = ""
	return stored, nil
}

// Discard resolves a dead letter as permanently skipped. The nonce it carried
// stays unapplied; subsequent nonces for the asset remain blocked until the
// origin history is reconciled out of band.
func (j *Journal) Discard(ctx context.Context, id string) error {
	stored, err := j.Get(ctx, id)
	if err != nil {
		return err
	}
	if stored.Status != StatusDead {
		return ErrNotDeadLettered
	}
	return j.setStatus(ctx, id, StatusDiscarded, stored.Attempts, stored.Reason)
}

// Get loads a single journal row by id.
func (j *Journal) Get(ctx context.Context, id string) (*StoredEvent, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("relayer journal: not configured")
	}
	row := j.db.QueryRowContext(ctx, `
        SELECT id, origin_asset_id, domain, prev_holder, new_holder,
               origin_height, nonce, event_hash, status, attempts, reason
        FROM custody_events WHERE id = ?
    `, id)
	stored, err := scanStoredEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return stored, err
}

// PendingByAsset returns the asset's undelivered events in ascending nonce
// order, used to rebuild a sequencer after restart.
func (j *Journal) PendingByAsset(ctx context.Context, originAssetID uint64) ([]*StoredEvent, error) {
	return j.list(ctx, `
        SELECT id, origin_asset_id, domain, prev_holder, new_holder,
               origin_height, nonce, event_hash, status, attempts, reason
        FROM custody_events
        WHERE origin_asset_id = ? AND status = ?
        ORDER BY nonce ASC
    `, originAssetID, StatusPending)
}

// PendingAssets lists every asset with undelivered events.
func (j *Journal) PendingAssets(ctx context.Context) ([]uint64, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("relayer journal: not configured")
	}
	rows, err := j.db.QueryContext(ctx, `
        SELECT DISTINCT origin_asset_id FROM custody_events WHERE status = ?
        ORDER BY origin_asset_id ASC
    `, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("relayer journal: query pending assets: %w", err)
	}
	defer rows.Close()
	var assets []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("relayer journal: scan asset: %w", err)
		}
		assets = append(assets, id)
	}
	return assets, rows.Err()
}

// DeadLetters lists every parked event awaiting operator resolution.
func (j *Journal) DeadLetters(ctx context.Context) ([]*StoredEvent, error) {
	return j.list(ctx, `
        SELECT id, origin_asset_id, domain, prev_holder, new_holder,
               origin_height, nonce, event_hash, status, attempts, reason
        FROM custody_events
        WHERE status = ?
        ORDER BY origin_asset_id ASC, nonce ASC
    `, StatusDead)
}

func (j *Journal) list(ctx context.Context, query string, args ...interface{}) ([]*StoredEvent, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("relayer journal: not configured")
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relayer journal: query events: %w", err)
	}
	defer rows.Close()
	var out []*StoredEvent
	for rows.Next() {
		stored, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStoredEvent(row rowScanner) (*StoredEvent, error) {
	stored := &StoredEvent{}
	var prev, next, eventHash string
	if err := row.Scan(
		&stored.ID,
		&stored.Event.OriginAssetID,
		&stored.Event.Domain,
		&prev,
		&next,
		&stored.Event.OriginBlockHeight,
		&stored.Event.Nonce,
		&eventHash,
		&stored.Status,
		&stored.Attempts,
		&stored.Reason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("relayer journal: scan event: %w", err)
	}
	if prev != "" {
		addr, err := bastioncrypto.DecodeAddress(prev)
		if err != nil {
			return nil, fmt.Errorf("relayer journal: decode previous holder: %w", err)
		}
		stored.Event.PreviousHolder = addr
	}
	if next != "" {
		addr, err := bastioncrypto.DecodeAddress(next)
		if err != nil {
			return nil, fmt.Errorf("relayer journal: decode new holder: %w", err)
		}
		stored.Event.NewHolder = addr
	}
	raw, err := hex.DecodeString(eventHash)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("relayer journal: corrupt event hash for %s", stored.ID)
	}
	copy(stored.Event.EventHash[:], raw)
	return stored, nil
}
