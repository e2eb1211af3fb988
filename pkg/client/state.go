package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS Config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ConnectionHistory (
	server_address  TEXT PRIMARY KEY,
	transport       TEXT NOT NULL,
	last_success_at INTEGER NOT NULL
);
`

// State manages client-side persistent preferences. It never stores
// messages.
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value, "" when unset.
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)`, key, value)
	return err
}

func (s *State) GetLastUsername() string {
	username, _ := s.GetConfig("last_username")
	return username
}

func (s *State) SetLastUsername(username string) error {
	return s.SetConfig("last_username", username)
}

// GetLastServer returns the most recent server connected to successfully.
func (s *State) GetLastServer() string {
	var address string
	err := s.db.QueryRow(`
		SELECT server_address
		FROM ConnectionHistory
		ORDER BY last_success_at DESC, rowid DESC
		LIMIT 1
	`).Scan(&address)
	if err != nil {
		return ""
	}
	return address
}

// GetLastTransport returns the transport last used for address.
func (s *State) GetLastTransport(address string) (string, error) {
	var transport string
	err := s.db.QueryRow(`
		SELECT transport
		FROM ConnectionHistory
		WHERE server_address = ?
	`, address).Scan(&transport)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return transport, err
}

// SaveSuccessfulConnection records a successful connection to a server
func (s *State) SaveSuccessfulConnection(address, transport string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (server_address, transport, last_success_at)
		VALUES (?, ?, ?)
	`, address, transport, time.Now().UnixMilli())
	return err
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
