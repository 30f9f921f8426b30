package annotation

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"

	"github.com/lewtec/dentamark/internal/repository"
)

func GetDatabase(filename string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if filename == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// PrepareDatabase applies the embedded schema migrations.
func PrepareDatabase(ctx context.Context, db *sql.DB) error {
	log.Printf("PrepareDatabase: checking connection")
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("while connecting to the database: %w", err)
	}
	log.Printf("PrepareDatabase: applying migrations")
	if err := repository.Migrate(db); err != nil {
		return fmt.Errorf("while migrating the database: %w", err)
	}
	log.Printf("PrepareDatabase: success!")
	return nil
}
