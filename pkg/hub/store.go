// Package hub is the computer inventory fed by heartbeats of connected hosts.
package hub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giongto35/cloud-relay/pkg/api"
	"github.com/gofrs/uuid"
	_ "modernc.org/sqlite"
)

// Store persists inventory records.
type Store interface {
	AddOrUpdate(ctx context.Context, c api.Computer) (api.Computer, error)
	List(ctx context.Context) ([]api.Computer, error)
	Close() error
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS computers (
		id            TEXT PRIMARY KEY,
		computer_name TEXT NOT NULL DEFAULT '',
		mac_address   TEXT NOT NULL DEFAULT '',
		username      TEXT NOT NULL DEFAULT '',
		last_reboot   TEXT NOT NULL DEFAULT '',
		last_online   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS computers_mac ON computers(mac_address)`,
}

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the inventory database at path.
// Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// AddOrUpdate matches a computer by its MAC address, or by name when
// the MAC is unknown, and inserts it when no record matches.
func (s *SQLiteStore) AddOrUpdate(ctx context.Context, c api.Computer) (api.Computer, error) {
	if c.LastOnline.IsZero() {
		c.LastOnline = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	q, arg := `SELECT id FROM computers WHERE mac_address = ? LIMIT 1`, c.MACAddress
	if c.MACAddress == "" {
		q, arg = `SELECT id FROM computers WHERE mac_address = '' AND computer_name = ? LIMIT 1`, c.ComputerName
	}
	err = tx.QueryRowContext(ctx, q, arg).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if c.ID == "" {
			uid, err := uuid.NewV4()
			if err != nil {
				return c, err
			}
			c.ID = uid.String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO computers (id, computer_name, mac_address, username, last_reboot, last_online)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.ComputerName, c.MACAddress, c.CurrentUser, c.LastReboot, c.LastOnline.Format(time.RFC3339Nano))
		if err != nil {
			return c, fmt.Errorf("insert computer: %w", err)
		}
	case err != nil:
		return c, err
	default:
		c.ID = id
		_, err = tx.ExecContext(ctx,
			`UPDATE computers SET computer_name = ?, mac_address = ?, username = ?, last_reboot = ?, last_online = ?
			 WHERE id = ?`,
			c.ComputerName, c.MACAddress, c.CurrentUser, c.LastReboot, c.LastOnline.Format(time.RFC3339Nano), id)
		if err != nil {
			return c, fmt.Errorf("update computer: %w", err)
		}
	}
	return c, tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]api.Computer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, computer_name, mac_address, username, last_reboot, last_online
		 FROM computers ORDER BY computer_name, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []api.Computer
	for rows.Next() {
		var c api.Computer
		var online string
		if err := rows.Scan(&c.ID, &c.ComputerName, &c.MACAddress, &c.CurrentUser, &c.LastReboot, &online); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, online); err == nil {
			c.LastOnline = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
