// The migrate binary applies the SQL files in migrations/ in lexical order,
// each in its own transaction. It is idempotent as long as the migrations
// themselves are (ours use IF NOT EXISTS throughout).
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lib/pq"
)

var engineTables = []string{
	"campaigns", "campaign_steps", "campaign_logs",
	"contacts", "listings", "lead_campaign_enrollments",
}

func main() {
	dir := flag.String("dir", "migrations", "directory holding .sql migration files")
	list := flag.Bool("list", false, "list engine tables present in the database and exit")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	if *list {
		if err := listTables(db); err != nil {
			log.Fatalf("List tables: %v", err)
		}
		return
	}

	applied, failed, err := applyDir(db, *dir)
	if err != nil {
		log.Fatalf("Migrate: %v", err)
	}
	log.Printf("[Migrate] done: %d applied, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func listTables(db *sql.DB) error {
	rows, err := db.Query(
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename = ANY($1) ORDER BY tablename`,
		pq.Array(engineTables))
	if err != nil {
		return err
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println(" ", name)
		found++
	}
	fmt.Printf("%d of %d engine tables present\n", found, len(engineTables))
	return rows.Err()
}

func applyDir(db *sql.DB, dir string) (applied, failed int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		switch err := applyFile(db, filepath.Join(dir, f)); {
		case errors.Is(err, errEmptyMigration):
			log.Printf("[Migrate] %s: empty, skipped", f)
		case err != nil:
			log.Printf("[Migrate] %s: %v", f, err)
			failed++
		default:
			log.Printf("[Migrate] %s: ok", f)
			applied++
		}
	}
	return applied, failed, nil
}

var errEmptyMigration = errors.New("empty migration")

func applyFile(db *sql.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return errEmptyMigration
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(string(data)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
