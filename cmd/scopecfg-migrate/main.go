package main

import (
	"flag"
	"log"
	"os"

	"github.com/scopecfg/scopecfg/pkg/storage"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection string (default: $DATABASE_URL)")
	statusOnly  = flag.Bool("status", false, "Report the current schema version without applying anything")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("scopecfg schema migration tool")

	url := *databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		log.Fatal("no database: pass --database-url or set DATABASE_URL")
	}

	store, err := storage.Open(url, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()

	if *statusOnly {
		version, dirty, err := store.SchemaVersion()
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		if dirty {
			log.Fatalf("Schema version %d is DIRTY - resolve manually before migrating", version)
		}
		log.Printf("Schema version: %d", version)
		return
	}

	if err := store.Migrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations applied successfully")
}
