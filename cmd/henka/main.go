package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/root-talis/henkadb"
	"github.com/root-talis/henkadb/config"
	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/driver"
	"github.com/root-talis/henkadb/driver/mysql"
	"github.com/root-talis/henkadb/driver/postgres"
	"github.com/root-talis/henkadb/driver/sqlite"
	"github.com/root-talis/henkadb/migration"
	"github.com/root-talis/henkadb/source"
	"github.com/root-talis/henkadb/source/files"
)

var version string

type options struct {
	Config  string `short:"c" long:"config" description:"Read configuration from the file" value-name:"filename" default:"henka.yml"`
	Verbose bool   `short:"v" long:"verbose" description:"Log every migration step"`
	Version bool   `long:"version" description:"Show this version"`
}

type app struct {
	opts   options
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
}

type statusCommand struct {
	app *app
}

type upCommand struct {
	To  uint64 `long:"to" description:"Apply up to and including this version" value-name:"version"`
	app *app
}

type downCommand struct {
	To  uint64 `long:"to" description:"Revert down to, but not including, this version" value-name:"version"`
	All bool   `long:"all" description:"Revert every applied migration"`
	app *app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{ctx: ctx, stdout: stdout, stderr: stderr}

	parser := flags.NewParser(&a.opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.SubcommandsOptional = true

	commands := []struct {
		name, short string
		data        interface{}
	}{
		{"status", "Show applied, pending and missing migrations", &statusCommand{app: a}},
		{"up", "Apply pending migrations", &upCommand{app: a}},
		{"down", "Revert the latest migration, or down to a version", &downCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.data); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}

	_, err := parser.ParseArgs(args)

	var flagsErr *flags.Error
	switch {
	case err == nil && a.opts.Version:
		fmt.Fprintln(stdout, version)
		return 0
	case err == nil && parser.Active == nil:
		parser.WriteHelp(stdout)
		return 2
	case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
		fmt.Fprintln(stdout, flagsErr.Message)
		return 0
	case err != nil:
		fmt.Fprintln(stderr, err)
		return 1
	}

	return 0
}

// ---

func (c *statusCommand) Execute([]string) error {
	if c.app.opts.Version {
		return nil
	}

	migrator, closeDB, err := c.app.open()
	if err != nil {
		return err
	}
	defer closeDB()

	status, err := migrator.Status(c.app.ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.app.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, state := range status.Migrations {
		appliedAt := "-"
		if !state.AppliedAt.IsZero() {
			appliedAt = state.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", state.Version, state.Name, state.Status, appliedAt)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.app.stdout, "\n%d applied, %d pending, %d missing\n",
		status.AppliedCount, status.PendingCount, status.MissingCount)

	return nil
}

func (c *upCommand) Execute([]string) error {
	if c.app.opts.Version {
		return nil
	}

	migrator, closeDB, err := c.app.open()
	if err != nil {
		return err
	}
	defer closeDB()

	var report *henkadb.Report
	if c.To != 0 {
		report, err = migrator.ApplyTo(c.app.ctx, migration.Version(c.To))
	} else {
		report, err = migrator.Apply(c.app.ctx)
	}

	c.app.printReport(report)
	return err
}

func (c *downCommand) Execute([]string) error {
	if c.app.opts.Version {
		return nil
	}
	if c.All && c.To != 0 {
		return errors.New("--to and --all cannot be used together")
	}

	migrator, closeDB, err := c.app.open()
	if err != nil {
		return err
	}
	defer closeDB()

	var report *henkadb.Report
	switch {
	case c.All:
		report, err = migrator.RevertTo(c.app.ctx, 0)
	case c.To != 0:
		report, err = migrator.RevertTo(c.app.ctx, migration.Version(c.To))
	default:
		report, err = migrator.Revert(c.app.ctx)
	}

	c.app.printReport(report)
	return err
}

// ---

func (a *app) printReport(report *henkadb.Report) {
	if report == nil {
		return
	}

	verb := "applied"
	if report.Direction == migration.Down {
		verb = "reverted"
	}

	for _, mig := range report.Completed {
		fmt.Fprintf(a.stdout, "%s %s\n", verb, mig)
	}
	if report.State == henkadb.Committed && len(report.Completed) == 0 {
		fmt.Fprintln(a.stdout, "nothing to do")
	}
}

func (a *app) logger() *slog.Logger {
	level := slog.LevelWarn
	if a.opts.Verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}

// open builds the runner described by the configuration file. The returned
// function closes the database.
func (a *app) open() (henkadb.Henka, func(), error) {
	cfg, err := config.Load(a.opts.Config)
	if err != nil {
		return nil, nil, err
	}

	dir := cfg.Migrations
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(a.opts.Config), dir)
	}

	src, err := files.NewFilesSource(os.DirFS(dir), ".")
	if err != nil {
		return nil, nil, err
	}

	reg, err := source.Registry(src)
	if err != nil {
		return nil, nil, err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	options := []henkadb.Option{henkadb.WithLogger(a.logger())}
	if cfg.Lock {
		options = append(options, henkadb.WithLock(driver.LockWithTimeout(db, cfg.LockTimeout)))
	}

	closeDB := func() {
		if err := db.DB().Close(); err != nil {
			fmt.Fprintln(a.stderr, "failed to close database:", err)
		}
	}

	return henkadb.New(reg, db, options...), closeDB, nil
}

type database interface {
	driver.Driver
	driver.Locker
	DB() *sql.DB
}

func openDatabase(cfg *config.Config) (database, error) {
	switch cfg.Dialect() {
	case dialect.SQLite:
		drv, err := sqlite.Open(cfg.DSN, sqlite.DriverConfig{HistoryTableName: cfg.HistoryTable})
		if err != nil {
			return nil, err
		}
		return drv, nil

	case dialect.MySQL:
		drv, err := mysql.Open(cfg.DSN, mysql.DriverConfig{
			DatabaseName:        cfg.Database,
			MigrationsTableName: cfg.HistoryTable,
			LockTimeout:         getLockSeconds(cfg.LockTimeout),
		})
		if err != nil {
			return nil, err
		}
		return drv, nil

	case dialect.Postgres:
		drv, err := postgres.Open(cfg.DSN, postgres.DriverConfig{
			SchemaName:       cfg.Schema,
			HistoryTableName: cfg.HistoryTable,
		})
		if err != nil {
			return nil, err
		}
		return drv, nil
	}

	return nil, fmt.Errorf("unsupported driver \"%s\"", cfg.Driver)
}

// getLockSeconds converts a lock timeout to GET_LOCK seconds, rounding up so
// that a short timeout still waits. Zero waits forever.
func getLockSeconds(timeout time.Duration) int {
	if timeout <= 0 {
		return -1
	}
	return int((timeout + time.Second - 1) / time.Second)
}
