// Package credstore persists broker credentials and engine tokens on the
// local machine. Single-row tables: at most one credential set of each kind
// exists at a time.
package credstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// BrokerCredentials is the gateway login pair
type BrokerCredentials struct {
	Username string
	APIKey   string
}

// CloudTokens is the persisted engine identity
type CloudTokens struct {
	BotID             string
	AccessToken       string
	RefreshToken      string
	DeviceFingerprint string
}

// Store is the sqlite-backed credential store
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS broker_credentials (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	username TEXT NOT NULL,
	api_key TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS cloud_tokens (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	bot_id TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	device_fingerprint TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// New opens (or creates) the credential store at the given path
func New(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create credstore directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open credstore: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize credstore schema: %w", err)
	}

	return &Store{
		db:  db,
		log: log.With().Str("component", "credstore").Logger(),
	}, nil
}

// Close releases the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreBrokerCredentials saves the gateway login pair, replacing any previous
// one
func (s *Store) StoreBrokerCredentials(creds BrokerCredentials) error {
	_, err := s.db.Exec(`
		INSERT INTO broker_credentials (id, username, api_key, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			api_key = excluded.api_key,
			updated_at = excluded.updated_at`,
		creds.Username, creds.APIKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store broker credentials: %w", err)
	}
	s.log.Info().Msg("Broker credentials stored")
	return nil
}

// GetBrokerCredentials returns the stored login pair, or nil when none exists
func (s *Store) GetBrokerCredentials() (*BrokerCredentials, error) {
	var creds BrokerCredentials
	err := s.db.QueryRow(
		`SELECT username, api_key FROM broker_credentials WHERE id = 1`,
	).Scan(&creds.Username, &creds.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read broker credentials: %w", err)
	}
	return &creds, nil
}

// DeleteBrokerCredentials removes the stored login pair
func (s *Store) DeleteBrokerCredentials() error {
	if _, err := s.db.Exec(`DELETE FROM broker_credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete broker credentials: %w", err)
	}
	s.log.Info().Msg("Broker credentials deleted")
	return nil
}

// StoreCloudTokens saves the engine identity, replacing any previous one
func (s *Store) StoreCloudTokens(tokens CloudTokens) error {
	_, err := s.db.Exec(`
		INSERT INTO cloud_tokens (id, bot_id, access_token, refresh_token, device_fingerprint, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bot_id = excluded.bot_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			device_fingerprint = excluded.device_fingerprint,
			updated_at = excluded.updated_at`,
		tokens.BotID, tokens.AccessToken, tokens.RefreshToken, tokens.DeviceFingerprint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store cloud tokens: %w", err)
	}
	s.log.Info().Str("bot_id", tokens.BotID).Msg("Cloud tokens stored")
	return nil
}

// GetCloudTokens returns the stored engine identity, or nil when none exists
func (s *Store) GetCloudTokens() (*CloudTokens, error) {
	var tokens CloudTokens
	err := s.db.QueryRow(
		`SELECT bot_id, access_token, refresh_token, device_fingerprint FROM cloud_tokens WHERE id = 1`,
	).Scan(&tokens.BotID, &tokens.AccessToken, &tokens.RefreshToken, &tokens.DeviceFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cloud tokens: %w", err)
	}
	return &tokens, nil
}

// DeleteCloudTokens removes the stored engine identity
func (s *Store) DeleteCloudTokens() error {
	if _, err := s.db.Exec(`DELETE FROM cloud_tokens WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete cloud tokens: %w", err)
	}
	s.log.Info().Msg("Cloud tokens deleted")
	return nil
}
