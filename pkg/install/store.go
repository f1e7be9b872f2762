package install

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

// storeSchemaVersion is bumped whenever the record layout changes
const storeSchemaVersion = 1

// Record is the persisted state of one installed plugin. BackupPath is set
// only while an uninstall or update is in progress.
type Record struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Enabled     bool   `json:"enabled"`
	InstallPath string `json:"install_path"`
	BackupPath  string `json:"backup_path,omitempty"`
}

// Store persists installed-plugin records in sqlite. The per-id record is
// the canonical encoding; the older flat enabled-map file is migrated once
// on open and never written again.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenStore opens (creating if needed) the record store at path
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "record-store").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_info (
			version INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS records (
			id           TEXT PRIMARY KEY,
			version      TEXT NOT NULL,
			enabled      INTEGER NOT NULL DEFAULT 1,
			install_path TEXT NOT NULL,
			backup_path  TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create record store schema: %w", err)
	}

	var version int
	err = s.db.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, storeSchemaVersion); err != nil {
			return fmt.Errorf("failed to stamp schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version > storeSchemaVersion:
		return fmt.Errorf("record store schema version %d is newer than supported %d", version, storeSchemaVersion)
	}

	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a record
func (s *Store) Put(rec Record) error {
	_, err := s.db.Exec(`
		INSERT INTO records (id, version, enabled, install_path, backup_path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			enabled = excluded.enabled,
			install_path = excluded.install_path,
			backup_path = excluded.backup_path
	`, rec.ID, rec.Version, boolToInt(rec.Enabled), rec.InstallPath, rec.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to persist record for %s: %w", rec.ID, err)
	}
	return nil
}

// Get fetches a record by plugin id
func (s *Store) Get(id string) (Record, bool, error) {
	var rec Record
	var enabled int
	err := s.db.QueryRow(`
		SELECT id, version, enabled, install_path, backup_path
		FROM records WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Version, &enabled, &rec.InstallPath, &rec.BackupPath)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read record for %s: %w", id, err)
	}
	rec.Enabled = enabled != 0
	return rec, true, nil
}

// List returns all records ordered by plugin id
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, version, enabled, install_path, backup_path
		FROM records ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var enabled int
		if err := rows.Scan(&rec.ID, &rec.Version, &enabled, &rec.InstallPath, &rec.BackupPath); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Enabled = enabled != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InstalledVersions returns the id -> version map the dependency resolver
// consumes
func (s *Store) InstalledVersions() (map[string]string, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	versions := make(map[string]string, len(records))
	for _, rec := range records {
		versions[rec.ID] = rec.Version
	}
	return versions, nil
}

// Delete removes a record
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", plugin.ErrNotFound, id)
	}
	return nil
}

// SetEnabled flips a record's enabled flag
func (s *Store) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE records SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update record for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", plugin.ErrNotFound, id)
	}
	return nil
}

// SetBackupPath records (or clears) the in-progress backup location
func (s *Store) SetBackupPath(id, backupPath string) error {
	res, err := s.db.Exec(`UPDATE records SET backup_path = ? WHERE id = ?`, backupPath, id)
	if err != nil {
		return fmt.Errorf("failed to update record for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", plugin.ErrNotFound, id)
	}
	return nil
}

// legacyEnabledFile is the older flat installed-state encoding:
// {"enabled": {"plugin-id": true}}
type legacyEnabledFile struct {
	Enabled map[string]bool `json:"enabled"`
}

// MigrateLegacyEnabledFile folds the old flat enabled-map file into the
// per-id records, then renames the file so migration runs once. A missing
// file is not an error.
func (s *Store) MigrateLegacyEnabledFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read legacy state file: %w", err)
	}

	var legacy legacyEnabledFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("failed to parse legacy state file: %w", err)
	}

	for id, enabled := range legacy.Enabled {
		if err := s.SetEnabled(id, enabled); err != nil {
			s.logger.Warn().Err(err).Str("plugin", id).Msg("Skipping legacy enabled flag for unknown plugin")
		}
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return fmt.Errorf("failed to retire legacy state file: %w", err)
	}

	s.logger.Info().Int("count", len(legacy.Enabled)).Msg("Migrated legacy enabled-state file")
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
