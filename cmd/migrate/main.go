// migrate runs DB migrations from embedded SQL; use with ./scripts/migrate.sh or go run ./cmd/migrate.
package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"session-provisioner/internal/config"
	"session-provisioner/internal/db/migrate"
)

func main() {
	direction := flag.StringP("direction", "d", "up", "Migration direction: up or down")
	steps := flag.IntP("steps", "n", 0, "Number of migrations to apply; 0 applies all")
	version := flag.Bool("version", false, "Print the current schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(1)
	}

	if *version {
		v, dirty, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
		return
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction, *steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// Already at target version; success.
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
