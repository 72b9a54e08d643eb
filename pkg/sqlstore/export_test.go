package sqlstore

import "database/sql"

// DB exposes the handle so tests can reset shared server databases
func (s *Store) DB() *sql.DB {
	return s.db
}
