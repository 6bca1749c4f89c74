// Command migrate manages the schema of the host's analytics database.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/rjsadow/mortis/internal/config"
	"github.com/rjsadow/mortis/internal/db"
)

var errUsage = errors.New("usage: migrate [-db path] <up|down|version|force N>")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", filepath.Join(config.DefaultUserDataDir(), config.DefaultDBName), "analytics database file")
	fs.Usage = func() {
		fmt.Fprintln(out, errUsage)
		fmt.Fprintln(out, "\n  up        apply pending migrations")
		fmt.Fprintln(out, "  down      revert the newest migration")
		fmt.Fprintln(out, "  version   print the applied version")
		fmt.Fprintln(out, "  force N   mark version N as applied without running it")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	if fs.Arg(0) == "up" {
		from, to, err := db.Upgrade(*dbPath)
		if err != nil {
			return err
		}
		if from == to {
			fmt.Fprintf(out, "%s: already at version %d\n", *dbPath, to)
		} else {
			fmt.Fprintf(out, "%s: upgraded from version %d to %d\n", *dbPath, from, to)
		}
		return nil
	}

	m, err := db.NewMigrator(*dbPath)
	if err != nil {
		return err
	}
	defer m.Close()

	switch fs.Arg(0) {
	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("revert: %w", err)
		}
		fmt.Fprintf(out, "%s: reverted one migration\n", *dbPath)

	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintf(out, "%s: no schema applied\n", *dbPath)
			return nil
		}
		if err != nil {
			return err
		}
		state := ""
		if dirty {
			state = " (dirty)"
		}
		fmt.Fprintf(out, "%s: version %d%s\n", *dbPath, v, state)

	case "force":
		if fs.NArg() < 2 {
			return fmt.Errorf("force needs a version: %w", errUsage)
		}
		v, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("bad version %q: %w", fs.Arg(1), err)
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force: %w", err)
		}
		fmt.Fprintf(out, "%s: forced to version %d\n", *dbPath, v)

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
	return nil
}
