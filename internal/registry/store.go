package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"cups-browsed-go/internal/model"
)

// Store persists the entry arena across restarts, grounded on the
// teacher's internal/store.Store (WAL-mode sqlite, WithTx transaction
// wrapper) narrowed to this daemon's single entries table.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the sqlite database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	status INTEGER NOT NULL,
	cluster INTEGER NOT NULL DEFAULT 0,
	master_of TEXT NOT NULL DEFAULT '',
	is_slave INTEGER NOT NULL DEFAULT 0,
	slave_of TEXT NOT NULL DEFAULT '',
	instances_json TEXT NOT NULL DEFAULT '[]',
	options_json TEXT NOT NULL DEFAULT '{}',
	last_printer INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_queue_name ON entries(queue_name);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic, matching the teacher's Store.WithTx.
func (s *Store) WithTx(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) (err error) {
	opts := &sql.TxOptions{ReadOnly: readOnly}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// Save persists the full entry arena, replacing the previous contents of
// the table within one transaction.
func (s *Store) Save(ctx context.Context, entries []model.Entry) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entries (
				id, queue_name, status, cluster, master_of, is_slave, slave_of,
				instances_json, options_json, last_printer, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			instancesJSON, err := json.Marshal(e.Instances)
			if err != nil {
				return err
			}
			optionsJSON, err := json.Marshal(e.PersistedOptions)
			if err != nil {
				return err
			}
			isSlave := 0
			if e.IsSlave {
				isSlave = 1
			}
			cluster := 0
			if e.Cluster {
				cluster = 1
			}
			if _, err := stmt.ExecContext(ctx,
				string(e.ID), e.QueueName, int(e.Status), cluster,
				string(e.MasterOf), isSlave, string(e.SlaveOf),
				string(instancesJSON), string(optionsJSON), e.LastPrinter,
				e.CreatedAt.Format(timeLayout), e.UpdatedAt.Format(timeLayout),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads the persisted entry arena back, for startup recovery.
func (s *Store) Load(ctx context.Context) ([]model.Entry, error) {
	var out []model.Entry
	err := s.WithTx(ctx, true, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, queue_name, status, cluster, master_of, is_slave, slave_of,
			       instances_json, options_json, last_printer, created_at, updated_at
			FROM entries`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id, queueName, masterOf, slaveOf string
				status, lastPrinter              int
				cluster, isSlave                 int
				instancesJSON, optionsJSON        string
				createdAt, updatedAt              string
			)
			if err := rows.Scan(&id, &queueName, &status, &cluster, &masterOf, &isSlave, &slaveOf,
				&instancesJSON, &optionsJSON, &lastPrinter, &createdAt, &updatedAt); err != nil {
				return err
			}
			e := model.Entry{
				ID:          model.EntryID(id),
				QueueName:   queueName,
				Status:      model.Status(status),
				Cluster:     cluster != 0,
				MasterOf:    model.EntryID(masterOf),
				IsSlave:     isSlave != 0,
				SlaveOf:     model.EntryID(slaveOf),
				LastPrinter: lastPrinter,
			}
			_ = json.Unmarshal([]byte(instancesJSON), &e.Instances)
			_ = json.Unmarshal([]byte(optionsJSON), &e.PersistedOptions)
			e.CreatedAt = parseTimeOrZero(createdAt)
			e.UpdatedAt = parseTimeOrZero(updatedAt)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
