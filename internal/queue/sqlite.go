// Package queue is the bounded durable FIFO of readings that could not be
// uploaded live. Failed uploads append here; recovery drains it in batches.
package queue

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/logger"
	"codeberg.org/mutker/o2relay/internal/protocol"

	_ "github.com/mattn/go-sqlite3"
)

const defaultDirPerm = 0o755

type Config struct {
	DBPath string
}

type sqliteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the durable queue at cfg.DBPath.
func NewStore(cfg Config) (Store, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing reading queue at: %s", cfg.DBPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Append(reading protocol.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
        INSERT INTO pending_readings (
            spo2, heart_rate, battery, movement, reading_time, enqueued_at
        ) VALUES (?, ?, ?, ?, ?, ?)
    `,
		reading.SpO2,
		reading.HeartRate,
		reading.Battery,
		reading.Movement,
		reading.Timestamp.UnixNano(),
		time.Now().UnixNano(),
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *sqliteStore) Peek(limit int) ([]QueuedReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
        SELECT id, spo2, heart_rate, battery, movement, reading_time, enqueued_at
        FROM pending_readings
        ORDER BY id ASC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	entries := []QueuedReading{}
	for rows.Next() {
		var entry QueuedReading
		var readingTime, enqueuedAt int64
		if err := rows.Scan(
			&entry.ID,
			&entry.Reading.SpO2,
			&entry.Reading.HeartRate,
			&entry.Reading.Battery,
			&entry.Reading.Movement,
			&readingTime,
			&enqueuedAt,
		); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		entry.Reading.Timestamp = time.Unix(0, readingTime)
		entry.EnqueuedAt = time.Unix(0, enqueuedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return entries, nil
}

func (s *sqliteStore) Remove(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.Exec("DELETE FROM pending_readings WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *sqliteStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pending_readings").Scan(&count); err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	return count, nil
}

func (s *sqliteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM pending_readings"); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}
