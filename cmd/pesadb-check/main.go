package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/INLOpen/pesadb/config"
	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/engine"
	"github.com/INLOpen/pesadb/hooks"
	"github.com/INLOpen/pesadb/hooks/listeners"
	"github.com/INLOpen/pesadb/wal"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// registerListeners wires the built-in listeners selected in cfg.
func registerListeners(hm hooks.HookManager, cfg config.HooksConfig, logger *slog.Logger) {
	if cfg.RowCountAlertThreshold > 0 {
		hm.Register(hooks.EventPostInsert, listeners.NewRowCountAlerterListener(logger, cfg.RowCountAlertThreshold))
	}
	if cfg.RewriteAmplification {
		hm.Register(hooks.EventPostOverwrite, listeners.NewRewriteAmplificationListener(logger))
	}
	if len(cfg.Outliers) > 0 {
		rules := make([]listeners.OutlierRule, len(cfg.Outliers))
		for i, r := range cfg.Outliers {
			rules[i] = listeners.OutlierRule{
				Table:      r.Table,
				Column:     r.Column,
				Thresholds: listeners.Thresholds{Min: r.Min, Max: r.Max},
				Reject:     r.Reject,
			}
		}
		hm.Register(hooks.EventPreInsert, listeners.NewOutlierDetectionListener(logger, rules))
	}
}

// recoveryReporter keeps the replay summary of the engine it is registered on.
type recoveryReporter struct {
	stats hooks.PostRecoveryPayload
	seen  bool
}

func (r *recoveryReporter) OnEvent(_ context.Context, event hooks.HookEvent) error {
	if p, ok := event.Payload().(hooks.PostRecoveryPayload); ok {
		r.stats = p
		r.seen = true
	}
	return nil
}

func (r *recoveryReporter) Priority() int { return 0 }
func (r *recoveryReporter) IsAsync() bool { return false }

type checkOptions struct {
	dumpWAL   bool
	dumpTable string
	// createSpec is "table=col:type[:pk],...".
	createSpec string
	// importSpec is "table=path/to/rows.jsonl".
	importSpec string
	clearLog   bool
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	dataDir := flag.String("data-dir", "", "Override engine.data_dir from the configuration")
	dumpWAL := flag.Bool("dump-wal", false, "Print every WAL entry without opening the database")
	dumpTable := flag.String("dump-table", "", "Print the rows of a table as JSON lines")
	createSpec := flag.String("create", "", "Create a table, as table=col:type[:pk],... (types: int32, float64, bool, string)")
	importSpec := flag.String("import", "", "Insert JSON-lines rows into a table in one transaction, as table=path")
	clearLog := flag.Bool("clear-log", false, "Checkpoint every table and truncate the WAL")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	opts := checkOptions{dumpWAL: *dumpWAL, dumpTable: *dumpTable, createSpec: *createSpec, importSpec: *importSpec, clearLog: *clearLog}
	if err := run(context.Background(), cfg, opts, os.Stdout, logger); err != nil {
		logger.Error("Check failed", "error", err)
		fmt.Fprintln(os.Stderr, "pesadb-check:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts checkOptions, out io.Writer, logger *slog.Logger) (err error) {
	if cfg.Engine.DataDir == "" {
		return errors.New("engine data_dir must be specified")
	}
	if opts.dumpWAL {
		return dumpWAL(cfg, out)
	}

	engineOpts, err := cfg.ToEngineOptions(logger)
	if err != nil {
		return err
	}
	hm := hooks.NewHookManager(logger)
	reporter := &recoveryReporter{}
	hm.Register(hooks.EventPostRecovery, reporter)
	registerListeners(hm, cfg.Hooks, logger)
	engineOpts.HookManager = hm

	eng, err := engine.Open(ctx, engineOpts)
	if err != nil {
		return fmt.Errorf("failed to open database in %s: %w", cfg.Engine.DataDir, err)
	}
	defer func() {
		err = errors.Join(err, eng.Close(ctx))
		hm.Stop()
	}()

	if opts.createSpec != "" {
		name, cols, err := parseTableSpec(opts.createSpec)
		if err != nil {
			return err
		}
		if err := eng.CreateTable(ctx, name, cols); err != nil {
			return err
		}
		fmt.Fprintf(out, "created table %s\n", name)
	}
	if opts.importSpec != "" {
		if err := importRows(ctx, eng, opts.importSpec, out); err != nil {
			return err
		}
	}
	if opts.clearLog {
		if err := eng.ClearLog(ctx); err != nil {
			return fmt.Errorf("failed to clear WAL: %w", err)
		}
		fmt.Fprintln(out, "wal cleared")
	}
	if opts.dumpTable != "" {
		return dumpTable(eng, opts.dumpTable, out)
	}
	return summarize(eng, reporter, out)
}

func summarize(eng *engine.Engine, reporter *recoveryReporter, out io.Writer) error {
	fmt.Fprintf(out, "wal: backend=%s lsn=%d\n", eng.WALBackend(), eng.LSN())
	if reporter.seen {
		s := reporter.stats
		fmt.Fprintf(out, "recovery: entries=%d applied=%d skipped=%d overwrites=%d duration=%s\n",
			s.Entries, s.Applied, s.Skipped, s.Overwrites, s.Duration)
	}
	for _, name := range eng.TableNames() {
		t, err := eng.Table(name)
		if err != nil {
			return err
		}
		pk := "-"
		if c, ok := t.PrimaryKey(); ok {
			pk = c.Name
		}
		fmt.Fprintf(out, "table %s: rows=%d columns=%d primary_key=%s\n", name, t.Len(), len(t.Columns()), pk)
	}
	return nil
}

func dumpTable(eng *engine.Engine, name string, out io.Writer) error {
	rows, err := eng.SelectAll(name)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	for _, r := range rows {
		b, err := core.EncodeRowJSON(r)
		if err != nil {
			return err
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	return w.Flush()
}

func dumpWAL(cfg *config.Config, out io.Writer) error {
	name := cfg.Engine.WAL.Name
	if name == "" {
		name = engine.DefaultWALName
	}
	path := filepath.Join(cfg.Engine.DataDir, name+core.WALFileSuffix)
	entries, info, err := wal.ReadFile(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	for _, e := range entries {
		fmt.Fprintf(w, "lsn=%d txn=%d op=%s table=%s payload=%s\n", e.LSN, e.TxnID, e.Op, e.Table, e.Payload)
	}
	if info.Torn() {
		fmt.Fprintf(w, "torn tail: %d of %d bytes readable\n", info.ValidSize, info.Size)
	}
	return w.Flush()
}

func importRows(ctx context.Context, eng *engine.Engine, spec string, out io.Writer) (err error) {
	table, path, ok := strings.Cut(spec, "=")
	if !ok || table == "" || path == "" {
		return fmt.Errorf("invalid -import %q, want table=path", spec)
	}
	t, err := eng.Table(table)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := eng.Begin(); err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Commit(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line, n := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		row, err := core.DecodeRowJSON(t.Columns(), []byte(text))
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := t.Insert(ctx, row); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d rows into %s\n", n, table)
	return nil
}

// parseTableSpec parses "users=id:int32:pk,name:string".
func parseTableSpec(spec string) (string, []core.Column, error) {
	name, list, ok := strings.Cut(spec, "=")
	if !ok || name == "" || list == "" {
		return "", nil, fmt.Errorf("invalid -create %q, want table=col:type[:pk],...", spec)
	}
	var cols []core.Column
	for _, part := range strings.Split(list, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) < 2 || len(fields) > 3 || (len(fields) == 3 && fields[2] != "pk") {
			return "", nil, fmt.Errorf("invalid column %q in -create", part)
		}
		typ, err := core.ParseColumnType(fields[1])
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, core.Column{Name: fields[0], Type: typ, PrimaryKey: len(fields) == 3})
	}
	return name, cols, nil
}
