// Command migrate applies the embedded schema migrations for tenants,
// conversations, messages and the webhook outbox.
//
//	migrate            apply every pending migration
//	migrate down <n>   roll back n migrations
//	migrate force <v>  mark version v as applied without running it
//	migrate version    print the current version
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	appmigrations "github.com/wolfman30/comchat-platform/migrations"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// migrator is the part of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	cfg := appconfig.Load()
	logger := logging.NewWithWriter(cfg.LogLevel, "text", os.Stderr)

	databaseURL := strings.TrimSpace(cfg.DatabaseURL)
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("db driver: %v", err)
	}

	srcDriver, err := iofs.New(appmigrations.FS, ".")
	if err != nil {
		log.Fatalf("source driver: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		log.Fatalf("create migrator: %v", err)
	}
	defer func() { _, _ = m.Close() }()

	msg, err := run(m, os.Args[1:])
	if err != nil {
		logger.Error("migration failed", "args", strings.Join(os.Args[1:], " "), "error", err)
		os.Exit(1)
	}
	fmt.Println(msg)
}

func run(m migrator, args []string) (string, error) {
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return "", fmt.Errorf("migrate up: %w", err)
		}
		return "migrations complete", nil
	case "down":
		n, err := countArg(args)
		if err != nil {
			return "", err
		}
		if n <= 0 {
			return "", errors.New("down needs a positive step count")
		}
		if err := m.Steps(-n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return "", fmt.Errorf("migrate down %d: %w", n, err)
		}
		return fmt.Sprintf("rolled back %d migration(s)", n), nil
	case "force":
		version, err := countArg(args)
		if err != nil {
			return "", err
		}
		if err := m.Force(version); err != nil {
			return "", fmt.Errorf("force version: %w", err)
		}
		return fmt.Sprintf("forced version to %d", version), nil
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return "no migrations applied", nil
		}
		if err != nil {
			return "", fmt.Errorf("read version: %w", err)
		}
		if dirty {
			return fmt.Sprintf("version %d (dirty)", v), nil
		}
		return fmt.Sprintf("version %d", v), nil
	default:
		return "", fmt.Errorf("unknown command %q (want up, down, force or version)", cmd)
	}
}

func countArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s needs a number", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[1], err)
	}
	return n, nil
}
