package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"laurel.org/internal/migrate"
	"laurel.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("LAUREL_PG_DSN"), "PostgreSQL DSN")
		table = flag.String("table", "schema_migrations", "Migrations bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or LAUREL_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pg.Migrations(), migrate.WithMigrationsTable(*table))

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("reverted", name)
		}
	case "status":
		var applied, pending []string
		applied, pending, err = mgr.Status(ctx)
		if err == nil {
			for _, name := range applied {
				fmt.Println("applied ", name)
			}
			for _, name := range pending {
				fmt.Println("pending ", name)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
