// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"database/sql"
	"time"

	"github.com/preciousoreva/oiat/internal/app/storage"
)

// Store is the PostgreSQL-backed implementation of storage.Store.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. Migrations must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ storage.Store = (*Store)(nil)

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toNullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromNullInt(nv sql.NullInt64) *int {
	if !nv.Valid {
		return nil
	}
	v := int(nv.Int64)
	return &v
}

func mapRowErr(err error) error {
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	return err
}
