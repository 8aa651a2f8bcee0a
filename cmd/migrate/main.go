package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"careunits.org/internal/migrate"
)

func main() {
	var (
		dsn  = flag.String("dsn", os.Getenv("CAREUNITS_PG_DSN"), "postgres connection string")
		dir  = flag.String("migrations", "migrations", "path to migration files")
		cmd  = flag.String("cmd", "up", "up, down or status")
		wait = flag.Duration("timeout", time.Minute, "overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "missing -dsn (or CAREUNITS_PG_DSN)")
		os.Exit(2)
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	m := migrate.NewManager(db, *dir)
	switch *cmd {
	case "up":
		err = m.Up(ctx)
	case "down":
		err = m.Down(ctx)
	case "status":
		var applied []string
		applied, err = m.Status(ctx)
		for _, name := range applied {
			fmt.Println(name)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", *cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *cmd, err)
		os.Exit(1)
	}
}
