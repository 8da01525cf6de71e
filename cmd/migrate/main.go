// Command migrate applies the SQL files in a migrations directory in
// lexical order, recording each applied file in schema_migrations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	m := &Migrator{db: db, dir: dir}

	if listOnly {
		applied, err := m.Applied(ctx)
		if err != nil {
			log.Fatal(err)
		}
		for _, name := range applied {
			fmt.Println(" ", name)
		}
		fmt.Printf("Total: %d applied\n", len(applied))
		return
	}

	n, err := m.Up(ctx)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("Migrations complete: %d applied", n)
}
