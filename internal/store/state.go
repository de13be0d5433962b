package store

import "database/sql"

// Well-known sync_state keys.
const (
	// StateLastSync is the unix-millisecond watermark of the last mirror
	// write.
	StateLastSync = "last_sync"
	// StateLocalUser caches the session's own user id so a restarted
	// client can hydrate before the identity endpoint is reachable.
	StateLocalUser = "local_user_id"
)

// GetState reads one sync bookkeeping value; empty string when absent.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetState writes one sync bookkeeping value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
