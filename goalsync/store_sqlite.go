package goalsync

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteStorage is a durable Storage backed by a single-table SQLite
// database. Each Set is one upsert; SetMany runs inside a transaction so a
// token-pair update is observed whole or not at all.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens/creates the database and runs migrations.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS kv (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`)
	return err
}

func (s *SQLiteStorage) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStorage) Set(key, value string) error {
	_, err := s.db.Exec(`
INSERT INTO kv(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, value)
	return err
}

func (s *SQLiteStorage) SetMany(kv map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(`
INSERT INTO kv(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for k, v := range kv {
		if _, err := stmt.Exec(k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Delete(keys ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(`DELETE FROM kv WHERE k = ?`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, k := range keys {
		if _, err := stmt.Exec(k); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT k FROM kv ORDER BY k ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
