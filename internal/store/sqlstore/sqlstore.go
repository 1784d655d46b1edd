// Package sqlstore is a pluggable production Store backend over
// database/sql, using the MySQL driver for its compare-and-set Added
// assignment (an auto-increment column guarantees the monotonicity
// invariant across restarts).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/CanRau/logux-core/internal/idcompare"
	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/types"
)

// Store persists entries in a MySQL table, relying on an AUTO_INCREMENT
// column for the Added counter so concurrent inserts never collide.
type Store struct {
	db *sql.DB
}

// Schema is the DDL a deployment must apply before using Open. It is not
// run automatically; migrations are left to the operator.
const Schema = `
CREATE TABLE IF NOT EXISTS logux_entries (
	id VARCHAR(255) PRIMARY KEY,
	time BIGINT NOT NULL,
	added BIGINT UNSIGNED AUTO_INCREMENT UNIQUE,
	reasons JSON NOT NULL,
	subprotocol VARCHAR(64) NOT NULL DEFAULT '',
	action JSON NOT NULL,
	KEY idx_added (added)
);

CREATE TABLE IF NOT EXISTS logux_synced (
	node_id VARCHAR(255) PRIMARY KEY,
	sent BIGINT UNSIGNED NOT NULL DEFAULT 0,
	received BIGINT UNSIGNED NOT NULL DEFAULT 0
);
`

// Open connects to a MySQL DSN and returns a ready Store. Callers must
// apply Schema themselves beforehand.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Add(ctx context.Context, action types.Action, meta types.Meta) (types.Meta, error) {
	reasons, err := json.Marshal(meta.Reasons)
	if err != nil {
		return types.Meta{}, fmt.Errorf("sqlstore: marshal reasons: %w", err)
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return types.Meta{}, fmt.Errorf("sqlstore: marshal action: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logux_entries (id, time, reasons, subprotocol, action) VALUES (?, ?, ?, ?, ?)`,
		meta.ID, meta.Time, reasons, meta.Subprotocol, payload)
	if err != nil {
		if isDuplicateKey(err) {
			return types.Meta{}, store.ErrAlreadyExists
		}
		return types.Meta{}, fmt.Errorf("sqlstore: insert: %w", err)
	}
	added, err := s.addedOf(ctx, res)
	if err != nil {
		return types.Meta{}, err
	}
	meta = meta.Clone()
	meta.Added = added
	return meta, nil
}

// addedOf resolves the AUTO_INCREMENT value assigned to the row just
// inserted, falling back to a lookup when the driver doesn't surface
// LastInsertId (some pooled/proxy configurations don't).
func (s *Store) addedOf(ctx context.Context, res sql.Result) (uint64, error) {
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		return uint64(id), nil
	}
	var added uint64
	err := s.db.QueryRowContext(ctx, `SELECT LAST_INSERT_ID()`).Scan(&added)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: resolve added: %w", err)
	}
	return added, nil
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}

func (s *Store) Get(ctx context.Context, opts store.GetOptions) (store.Page, error) {
	order := "added DESC"
	if opts.Order == store.OrderCreated {
		// created order needs the id comparator; approximate with
		// time DESC then fall back to in-process comparator tie-break
		// for equal-time rows, which is rare in practice.
		order = "time DESC, id DESC"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, time, added, reasons, subprotocol, action FROM logux_entries ORDER BY `+order)
	if err != nil {
		return store.Page{}, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer rows.Close()

	var entries []types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return store.Page{}, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, fmt.Errorf("sqlstore: rows: %w", err)
	}
	if opts.Order == store.OrderCreated {
		sortCreated(entries)
	}
	return store.Page{Entries: entries}, nil
}

func sortCreated(entries []types.Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			mj, mjm1 := entries[j].Meta, entries[j-1].Meta
			if !idcompare.Older(&mjm1, &mj) {
				break
			}
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (types.Entry, error) {
	var (
		id, subprotocol string
		tm              int64
		added           uint64
		reasonsRaw      []byte
		actionRaw       []byte
	)
	if err := row.Scan(&id, &tm, &added, &reasonsRaw, &subprotocol, &actionRaw); err != nil {
		return types.Entry{}, fmt.Errorf("sqlstore: scan: %w", err)
	}
	var reasons []string
	if err := json.Unmarshal(reasonsRaw, &reasons); err != nil {
		return types.Entry{}, fmt.Errorf("sqlstore: unmarshal reasons: %w", err)
	}
	var action types.Action
	if err := json.Unmarshal(actionRaw, &action); err != nil {
		return types.Entry{}, fmt.Errorf("sqlstore: unmarshal action: %w", err)
	}
	return types.Entry{
		Action: action,
		Meta: types.Meta{
			ID:          id,
			Time:        tm,
			Added:       added,
			Reasons:     reasons,
			Subprotocol: subprotocol,
		},
	}, nil
}

func (s *Store) ByID(ctx context.Context, id string) (types.Action, types.Meta, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, time, added, reasons, subprotocol, action FROM logux_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, types.Meta{}, false, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, types.Meta{}, false, nil
		}
		return nil, types.Meta{}, false, err
	}
	return e.Action, e.Meta, true, nil
}

func (s *Store) Remove(ctx context.Context, id string) (types.Action, types.Meta, bool, error) {
	action, meta, ok, err := s.ByID(ctx, id)
	if err != nil || !ok {
		return action, meta, ok, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logux_entries WHERE id = ?`, id); err != nil {
		return nil, types.Meta{}, false, fmt.Errorf("sqlstore: delete: %w", err)
	}
	return action, meta, true, nil
}

func (s *Store) ChangeMeta(ctx context.Context, id string, diff types.Meta, fields store.MetaFields) (bool, error) {
	if !fields.Reasons {
		// KeepLast is transient and consumed on add; nothing persisted
		// changes if only it was set.
		_, _, ok, err := s.ByID(ctx, id)
		return ok, err
	}
	reasons, err := json.Marshal(diff.Reasons)
	if err != nil {
		return false, fmt.Errorf("sqlstore: marshal reasons: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE logux_entries SET reasons = ? WHERE id = ?`, reasons, id)
	if err != nil {
		return false, fmt.Errorf("sqlstore: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RemoveReason(ctx context.Context, reason string, criteria store.Criteria, onClean store.CleanFunc) error {
	page, err := s.Get(ctx, store.GetOptions{Order: store.OrderAdded})
	if err != nil {
		return err
	}
	for _, e := range page.Entries {
		if !e.Meta.HasReason(reason) || !matches(e.Meta, criteria) {
			continue
		}
		remaining := without(e.Meta.Reasons, reason)
		if len(remaining) == 0 {
			if _, _, _, err := s.Remove(ctx, e.Meta.ID); err != nil {
				return err
			}
			if onClean != nil {
				onClean(e.Action, e.Meta)
			}
			continue
		}
		diff := types.Meta{Reasons: remaining}
		if _, err := s.ChangeMeta(ctx, e.Meta.ID, diff, store.MetaFields{Reasons: true}); err != nil {
			return err
		}
	}
	return nil
}

func without(reasons []string, reason string) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r != reason {
			out = append(out, r)
		}
	}
	return out
}

func matches(m types.Meta, c store.Criteria) bool {
	if c.ID != "" {
		return m.ID == c.ID
	}
	if c.HasMinAdded && m.Added < c.MinAdded {
		return false
	}
	if c.HasMaxAdded && m.Added > c.MaxAdded {
		return false
	}
	if c.OlderThan != nil && !idcompare.Older(&m, c.OlderThan) {
		return false
	}
	if c.YoungerThan != nil && !idcompare.Older(c.YoungerThan, &m) {
		return false
	}
	return true
}

func (s *Store) GetLastAdded(ctx context.Context) (uint64, error) {
	var added sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(added) FROM logux_entries`).Scan(&added)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: last added: %w", err)
	}
	if !added.Valid {
		return 0, nil
	}
	return uint64(added.Int64), nil
}

func (s *Store) GetLastSynced(ctx context.Context, nodeID string) (store.Synced, error) {
	var sent, received uint64
	err := s.db.QueryRowContext(ctx, `SELECT sent, received FROM logux_synced WHERE node_id = ?`, nodeID).Scan(&sent, &received)
	if err == sql.ErrNoRows {
		return store.Synced{}, nil
	}
	if err != nil {
		return store.Synced{}, fmt.Errorf("sqlstore: last synced: %w", err)
	}
	return store.Synced{Sent: sent, Received: received}, nil
}

func (s *Store) SetLastSynced(ctx context.Context, nodeID string, update store.SyncedUpdate) error {
	cur, err := s.GetLastSynced(ctx, nodeID)
	if err != nil {
		return err
	}
	if update.Sent != nil {
		cur.Sent = *update.Sent
	}
	if update.Received != nil {
		cur.Received = *update.Received
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO logux_synced (node_id, sent, received) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE sent = VALUES(sent), received = VALUES(received)`,
		nodeID, cur.Sent, cur.Received)
	if err != nil {
		return fmt.Errorf("sqlstore: set last synced: %w", err)
	}
	return nil
}

func (s *Store) Clean(_ context.Context) error {
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
