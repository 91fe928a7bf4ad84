package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"chatsync/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

func main() {
	dbPath := flag.String("db", "./relay.db", "Path to the database file")
	set := flag.String("set", string(migrations.Relay), "Migration set to apply (relay or queue)")
	list := flag.Bool("list", false, "List the migrations of the set and exit")
	flag.Parse()

	if *list {
		all, err := migrations.Load(migrations.Set(*set))
		if err != nil {
			logrus.Fatalf("Failed to load migrations: %v", err)
		}
		for _, m := range all {
			fmt.Printf("%4d  %s\n", m.Version, m.Name)
		}
		return
	}

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		logrus.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	applied, err := migrations.Apply(context.Background(), db, migrations.Set(*set))
	if err != nil {
		logrus.Fatalf("Failed to apply migrations: %v", err)
	}
	if len(applied) == 0 {
		fmt.Println("Schema already up to date")
		return
	}
	for _, v := range applied {
		fmt.Printf("Applied migration %d\n", v)
	}
}
