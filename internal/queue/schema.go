package queue

import (
	"database/sql"

	"codeberg.org/mutker/o2relay/internal/errors"
)

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS pending_readings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            spo2 INTEGER NOT NULL,
            heart_rate INTEGER NOT NULL,
            battery INTEGER NOT NULL,
            movement INTEGER NOT NULL,
            reading_time INTEGER NOT NULL,
            enqueued_at INTEGER NOT NULL
        )
    `)
	if err != nil {
		return errors.New().Wrap(ErrSchemaInit, err)
	}

	return nil
}
