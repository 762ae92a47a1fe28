package database

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

type PgCodeCollabRepository struct {
	conn *sql.DB
}

func NewPgCodeCollabRepository(dsn string) (*PgCodeCollabRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgCodeCollabRepository{conn: db}, nil
}

func (db *PgCodeCollabRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgCodeCollabRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
