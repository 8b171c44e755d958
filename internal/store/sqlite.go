// Package store is the persistent memory collaborator: the core never
// imports it, embedders feed it from hub events and query it back through
// plain calls.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hivewire/hivewire/internal/swarm"
)

// Store wraps a sql.DB connection to a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at path and runs schema
// migrations.
func NewStore(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    from_agent TEXT NOT NULL,
    to_agent TEXT NOT NULL,
    type TEXT NOT NULL,
    protocol TEXT NOT NULL,
    group_id TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS consensus_results (
    id TEXT PRIMARY KEY,
    winner TEXT NOT NULL,
    reached INTEGER NOT NULL,
    confidence REAL NOT NULL,
    algorithm TEXT NOT NULL,
    votes TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memory (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// ArchiveEnvelope records a delivered envelope. Duplicate IDs (multicast
// re-archives, gossip copies) are ignored.
func (s *Store) ArchiveEnvelope(env *swarm.Envelope) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages (id, from_agent, to_agent, type, protocol, group_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.From, env.To, env.Type, env.Protocol, env.GroupID, []byte(env.Payload), env.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive envelope %s: %w", env.ID, err)
	}
	return nil
}

// ArchivedMessage is one row of the message archive.
type ArchivedMessage struct {
	ID        string
	From      string
	To        string
	Type      string
	Protocol  string
	GroupID   string
	Payload   []byte
	Timestamp int64
}

// RecentEnvelopes returns up to limit archived messages, newest first.
func (s *Store) RecentEnvelopes(limit int) ([]ArchivedMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, from_agent, to_agent, type, protocol, COALESCE(group_id, ''), payload, created_at
		 FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Type, &m.Protocol, &m.GroupID, &m.Payload, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveConsensus persists a sealed consensus result.
func (s *Store) SaveConsensus(res *swarm.ConsensusResult, at int64) error {
	votes, err := json.Marshal(res.VoteCount)
	if err != nil {
		return fmt.Errorf("marshal vote count: %w", err)
	}
	reached := 0
	if res.ConsensusReached {
		reached = 1
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO consensus_results (id, winner, reached, confidence, algorithm, votes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ConsensusID, res.Winner, reached, res.Confidence, res.Algorithm, string(votes), at,
	)
	if err != nil {
		return fmt.Errorf("save consensus %s: %w", res.ConsensusID, err)
	}
	return nil
}

// GetConsensus fetches a stored consensus result, or nil if not found.
func (s *Store) GetConsensus(consensusID string) (*swarm.ConsensusResult, error) {
	row := s.db.QueryRow(
		`SELECT id, winner, reached, confidence, algorithm, votes
		 FROM consensus_results WHERE id = ?`, consensusID)

	var res swarm.ConsensusResult
	var reached int
	var votes string
	err := row.Scan(&res.ConsensusID, &res.Winner, &reached, &res.Confidence, &res.Algorithm, &votes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consensus %s: %w", consensusID, err)
	}
	res.ConsensusReached = reached != 0
	if err := json.Unmarshal([]byte(votes), &res.VoteCount); err != nil {
		return nil, fmt.Errorf("unmarshal vote count: %w", err)
	}
	return &res, nil
}

// Put stores a value under a key in the generic memory table.
func (s *Store) Put(key string, value []byte, at int64) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO memory (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, at,
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Get fetches a value by key, or nil if absent.
func (s *Store) Get(key string) ([]byte, error) {
	row := s.db.QueryRow(`SELECT value FROM memory WHERE key = ?`, key)
	var value []byte
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}
