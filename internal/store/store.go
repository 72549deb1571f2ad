package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-arndt/spielwart/internal/config"
	"github.com/p-arndt/spielwart/internal/runtime"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// ServerRecord is the persisted definition of one managed server. The
// registry loads these at boot; lifecycle state itself is not persisted.
type ServerRecord struct {
	UUID         string              `json:"uuid"`
	Name         string              `json:"name"`
	Image        string              `json:"image"`
	InstallImage string              `json:"install_image,omitempty"`
	InstallCmd   []string            `json:"install_cmd,omitempty"`
	Startup      []string            `json:"startup,omitempty"`
	Env          map[string]string   `json:"env,omitempty"`
	Mounts       []runtime.Mount     `json:"mounts,omitempty"`
	Limits       config.ServerLimits `json:"limits"`
	Installed    bool                `json:"installed"`
	CreatedAt    time.Time           `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS servers (
	uuid          TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	image         TEXT NOT NULL,
	install_image TEXT NOT NULL DEFAULT '',
	install_cmd   TEXT NOT NULL DEFAULT '[]',
	startup       TEXT NOT NULL DEFAULT '[]',
	env           TEXT NOT NULL DEFAULT '{}',
	mounts        TEXT NOT NULL DEFAULT '[]',
	limits        TEXT NOT NULL DEFAULT '{}',
	installed     INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);
`

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateServer(rec *ServerRecord) error {
	installCmd, _ := json.Marshal(rec.InstallCmd)
	startup, _ := json.Marshal(rec.Startup)
	env, _ := json.Marshal(rec.Env)
	mounts, _ := json.Marshal(rec.Mounts)
	limits, _ := json.Marshal(rec.Limits)

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO servers (uuid, name, image, install_image, install_cmd, startup, env, mounts, limits, installed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.UUID, rec.Name, rec.Image, rec.InstallImage,
			string(installCmd), string(startup), string(env), string(mounts), string(limits),
			boolToInt(rec.Installed), rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert server: %w", err)
		}
		return nil
	})
}

func (s *Store) GetServer(uuid string) (*ServerRecord, error) {
	row := s.db.QueryRow(`
		SELECT uuid, name, image, install_image, install_cmd, startup, env, mounts, limits, installed, created_at
		FROM servers WHERE uuid = ?`, uuid)
	rec, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *Store) ListServers() ([]*ServerRecord, error) {
	rows, err := s.db.Query(`
		SELECT uuid, name, image, install_image, install_cmd, startup, env, mounts, limits, installed, created_at
		FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var result []*ServerRecord
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) SetInstalled(uuid string, installed bool) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`UPDATE servers SET installed = ? WHERE uuid = ?`,
			boolToInt(installed), uuid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) DeleteServer(uuid string) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`DELETE FROM servers WHERE uuid = ?`, uuid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type scannable interface {
	Scan(dest ...any) error
}

func scanServer(row scannable) (*ServerRecord, error) {
	var rec ServerRecord
	var installCmd, startup, env, mounts, limits string
	var installed int
	err := row.Scan(&rec.UUID, &rec.Name, &rec.Image, &rec.InstallImage,
		&installCmd, &startup, &env, &mounts, &limits, &installed, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(installCmd), &rec.InstallCmd)
	json.Unmarshal([]byte(startup), &rec.Startup)
	json.Unmarshal([]byte(env), &rec.Env)
	json.Unmarshal([]byte(mounts), &rec.Mounts)
	json.Unmarshal([]byte(limits), &rec.Limits)
	rec.Installed = installed != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
