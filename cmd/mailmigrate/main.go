package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pepperpark/mailmigrate/internal/config"
	"github.com/pepperpark/mailmigrate/internal/imaputil"
	"github.com/pepperpark/mailmigrate/internal/logging"
	"github.com/pepperpark/mailmigrate/internal/mboxsrc"
	"github.com/pepperpark/mailmigrate/internal/metrics"
	"github.com/pepperpark/mailmigrate/internal/migrate"
	"github.com/pepperpark/mailmigrate/internal/state"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	code := exitCode(err)
	switch code {
	case exitOK:
	case exitInterrupted:
		fmt.Fprintln(os.Stderr, "Migration interrupted. Progress is saved; run again to resume.")
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	_ = logging.Shutdown()
	os.Exit(code)
}

func exitCode(err error) int {
	var cfgErr *migrate.ConfigError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.As(err, &cfgErr):
		return exitConfig
	default:
		return exitFailure
	}
}

func versionString() string {
	s := version
	if commit != "" {
		s += " (" + commit + ")"
	}
	if date != "" {
		s += " built " + date
	}
	return s
}

type options struct {
	configPath        string
	stateFile         string
	logDir            string
	logLevel          string
	exclude           []string
	noDefaultExcludes bool
	mapPairs          []string
	dryRun            bool
	yes               bool
	noTUI             bool
	metricsFile       string
	timeout           time.Duration
	mboxPath          string
	dstMailbox        string
	srcPassPrompt     bool
	dstPassPrompt     bool
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "mailmigrate",
		Short:         "Copy every folder and message from one IMAP account to another",
		Long:          "mailmigrate copies all folders of a source IMAP account (or a local MBOX file) into a destination account.\nEvery copied message is recorded in a state file so an interrupted run resumes without duplicates.",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, o)
		},
	}
	root.SetVersionTemplate("mailmigrate {{.Version}}\n")

	f := root.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "Path to YAML config file (default: ./mailmigrate.yaml or ./config/mailmigrate.yaml)")
	f.StringVar(&o.stateFile, "state-file", "", "Path to migration state JSON (default: "+config.DefaultStateFile+")")
	f.StringVar(&o.logDir, "log-dir", "", "Directory for log files (default: "+config.DefaultLogDir+")")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringArrayVar(&o.exclude, "exclude", nil, "Source folder to skip, exact name (can be repeated)")
	f.BoolVar(&o.noDefaultExcludes, "no-default-excludes", false, "Also migrate [Gmail] and [Gmail]/Trash")
	f.StringArrayVar(&o.mapPairs, "map", nil, "Folder mapping src=dst (can be repeated)")
	f.BoolVar(&o.dryRun, "dry-run", false, "Don't copy anything, just log what would be copied")
	f.BoolVarP(&o.yes, "yes", "y", false, "Start without asking for confirmation")
	f.BoolVar(&o.noTUI, "no-tui", false, "Plain progress output instead of the terminal UI")
	f.StringVar(&o.metricsFile, "metrics-file", "", "Write run counters in Prometheus text format to this file")
	f.DurationVar(&o.timeout, "timeout", 0, "Per-command IMAP timeout (0 = none)")
	f.StringVar(&o.mboxPath, "mbox", "", "Read from local MBOX file instead of source IMAP")
	f.StringVar(&o.dstMailbox, "dst-mailbox", "INBOX", "Destination mailbox name when using --mbox")
	f.BoolVar(&o.srcPassPrompt, "src-pass-prompt", false, "Prompt for source IMAP password (no echo)")
	f.BoolVar(&o.dstPassPrompt, "dst-pass-prompt", false, "Prompt for destination IMAP password (no echo)")

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Migrate all folders (default command)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd, o)
			},
		},
		&cobra.Command{
			Use:   "folders",
			Short: "List source folders (read-only)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runFolders(cmd, o)
			},
		},
		&cobra.Command{
			Use:   "count",
			Short: "Count messages per source folder (read-only)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCount(cmd, o)
			},
		},
	)
	return root
}

// loadConfig merges the config file, the environment and the flags that were
// set explicitly. Errors are configuration errors.
func loadConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, &migrate.ConfigError{Err: err}
	}
	flags := cmd.Flags()
	if flags.Changed("state-file") {
		cfg.StateFile = o.stateFile
	} else if o.mboxPath != "" && cfg.StateFile == config.DefaultStateFile {
		cfg.StateFile = config.DefaultMboxState
	}
	if flags.Changed("log-dir") {
		cfg.LogDir = o.logDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = o.metricsFile
	}
	if flags.Changed("timeout") {
		cfg.Timeout = o.timeout
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = o.dryRun
	}
	cfg.Exclude = excludeList(cfg.Exclude, o.exclude, o.noDefaultExcludes)

	pairs, err := parseMappings(o.mapPairs)
	if err != nil {
		return nil, &migrate.ConfigError{Err: err}
	}
	if len(pairs) > 0 && cfg.Map == nil {
		cfg.Map = map[string]string{}
	}
	for src, dst := range pairs {
		cfg.Map[src] = dst
	}

	if o.srcPassPrompt && cfg.Source.Password == "" {
		pass, err := promptPassword("Source password: ")
		if err != nil {
			return nil, &migrate.ConfigError{Err: errors.Wrap(err, "read source password")}
		}
		cfg.Source.Password = pass
	}
	if o.dstPassPrompt && cfg.Destination.Password == "" {
		pass, err := promptPassword("Destination password: ")
		if err != nil {
			return nil, &migrate.ConfigError{Err: errors.Wrap(err, "read destination password")}
		}
		cfg.Destination.Password = pass
	}
	return cfg, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func excludeList(base, extra []string, noDefaults bool) []string {
	var out []string
	for _, name := range base {
		if noDefaults && isDefaultExclude(name) {
			continue
		}
		out = append(out, name)
	}
	return append(out, extra...)
}

func isDefaultExclude(name string) bool {
	for _, d := range config.DefaultExcludes {
		if d == name {
			return true
		}
	}
	return false
}

// parseMappings converts `src=dst` pairs into a map
func parseMappings(pairs []string) (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("invalid --map value (expected src=dst): %s", p)
		}
		m[parts[0]] = parts[1]
	}
	return m, nil
}

func useTUI(o *options) bool {
	return !o.noTUI && term.IsTerminal(int(os.Stdout.Fd()))
}

func setupLogging(cfg *config.Config, console io.Writer) error {
	logging.Configure(cfg.LogDir, cfg.LogLevel, console)
	if _, err := logging.Get("migration"); err != nil {
		return &migrate.ConfigError{Err: err}
	}
	return nil
}

func connectSource(ctx context.Context, cfg *config.Config, o *options) (migrate.SourceConn, error) {
	if o.mboxPath != "" {
		src, err := mboxsrc.Open(o.mboxPath, o.dstMailbox)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	c, err := imaputil.Dial(ctx, cfg.Source, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func runMigrate(cmd *cobra.Command, o *options) error {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return err
	}
	tui := useTUI(o)
	var console io.Writer = os.Stderr
	if tui {
		console = nil
	}
	if err := setupLogging(cfg, console); err != nil {
		return err
	}
	logger, _ := logging.Get("migration")

	mboxMode := o.mboxPath != ""
	validate := func() error { return cfg.Validate(mboxMode) }
	if err := validate(); err != nil {
		level.Error(logger).Log("msg", "missing configuration, aborting", "err", err)
		return &migrate.ConfigError{Err: err}
	}

	if !o.yes && term.IsTerminal(int(os.Stdin.Fd())) {
		ok, err := confirm(cmd.OutOrStdout(), tui, migrationSummary(cfg, o))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Migration cancelled")
			return nil
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	events := make(chan migrate.Event, 256)
	runner := &migrate.Runner{
		Validate: validate,
		Connector: migrate.ConnectorFuncs{
			Source: func(ctx context.Context) (migrate.SourceConn, error) {
				return connectSource(ctx, cfg, o)
			},
			Target: func(ctx context.Context) (migrate.TargetConn, error) {
				c, err := imaputil.Dial(ctx, cfg.Destination, cfg.Timeout)
				if err != nil {
					return nil, err
				}
				return c, nil
			},
		},
		Store: state.FileStore{Path: cfg.StateFile},
		Options: migrate.Options{
			DryRun:  cfg.DryRun,
			Map:     cfg.Map,
			Exclude: migrate.NewExclusions(cfg.Exclude...),
			Logger:  logger,
			Metrics: metrics.New(),
			Events:  events,
		},
		MetricsFile: cfg.MetricsFile,
	}

	var (
		sum    *migrate.Summary
		runErr error
	)
	go func() {
		defer close(events)
		sum, runErr = runner.Run(ctx)
	}()

	if tui {
		if err := runProgressTUI(cancel, events); err != nil {
			level.Warn(logger).Log("msg", "terminal UI failed, falling back to plain output", "err", err)
			runPlainProgress(events)
		}
	} else {
		runPlainProgress(events)
	}
	// events is closed once Run has returned
	for range events {
	}

	printSummary(cmd.OutOrStdout(), sum, cfg.StateFile)
	return runErr
}

// confirm asks whether to start. The terminal UI dialog is used when allowed,
// otherwise a plain y/N prompt on stdin.
func confirm(w io.Writer, tui bool, summary string) (bool, error) {
	if tui {
		return runConfirmTUI("Start full migration now?", summary)
	}
	fmt.Fprintln(w, summary)
	fmt.Fprint(w, "Start full migration now? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func migrationSummary(cfg *config.Config, o *options) string {
	var b strings.Builder
	if o.mboxPath != "" {
		fmt.Fprintf(&b, "Source:       %s (mbox, into %s)\n", o.mboxPath, o.dstMailbox)
	} else {
		fmt.Fprintf(&b, "Source:       %s on %s\n", cfg.Source.Email, cfg.Source.Addr())
	}
	fmt.Fprintf(&b, "Destination:  %s on %s\n", cfg.Destination.Email, cfg.Destination.Addr())
	recorded := 0
	if st, err := state.Load(cfg.StateFile); err == nil {
		for _, f := range st.Folders() {
			recorded += st.Count(f)
		}
	}
	fmt.Fprintf(&b, "State file:   %s (%d messages already migrated)\n", cfg.StateFile, recorded)
	if len(cfg.Exclude) > 0 {
		fmt.Fprintf(&b, "Excluded:     %s\n", strings.Join(cfg.Exclude, ", "))
	}
	if len(cfg.Map) > 0 {
		srcs := make([]string, 0, len(cfg.Map))
		for src := range cfg.Map {
			srcs = append(srcs, src)
		}
		sort.Strings(srcs)
		for _, src := range srcs {
			fmt.Fprintf(&b, "Mapping:      %s -> %s\n", src, cfg.Map[src])
		}
	}
	if cfg.DryRun {
		b.WriteString("Dry run:      nothing will be copied\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func printSummary(w io.Writer, sum *migrate.Summary, stateFile string) {
	if sum == nil || (len(sum.Folders) == 0 && sum.Copied == 0) {
		return
	}
	fmt.Fprintf(w, "Copied %d message(s) from %d folder(s), %d failed.\n", sum.Copied, len(sum.Folders), sum.Failed)
	var skipped []migrate.FolderResult
	for _, r := range sum.Folders {
		if r.Skipped != "" && r.Skipped != "excluded" {
			skipped = append(skipped, r)
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintln(w, "Skipped folders:")
		for _, r := range skipped {
			fmt.Fprintf(w, " - %s: %s\n", r.Folder, r.Skipped)
		}
	}
	if sum.Failed > 0 {
		fmt.Fprintln(w, "Failed messages (they will be retried on the next run):")
		for _, r := range sum.Folders {
			for _, f := range r.Failed {
				fmt.Fprintln(w, " -", f.Error())
			}
		}
	}
	if sum.Interrupted {
		fmt.Fprintf(w, "Progress saved to %s.\n", stateFile)
	}
}

func runFolders(cmd *cobra.Command, o *options) error {
	src, cfg, err := openSourceOnly(cmd, o)
	if err != nil {
		return err
	}
	defer src.Close()

	folders, err := migrate.ListFolders(src)
	if err != nil {
		return err
	}
	excl := migrate.NewExclusions(cfg.Exclude...)
	w := cmd.OutOrStdout()
	for _, f := range folders {
		fmt.Fprintln(w, folderLine(f, excl))
	}
	fmt.Fprintf(w, "\n%d folder(s). No changes were made.\n", len(folders))
	return nil
}

// folderLine formats one entry of the folders listing.
func folderLine(f migrate.Folder, excl migrate.Exclusions) string {
	line := "- " + f.Name
	var notes []string
	if f.Delimiter != "" {
		notes = append(notes, "delimiter "+f.Delimiter)
	}
	if len(f.Attributes) > 0 {
		notes = append(notes, strings.Join(f.Attributes, " "))
	}
	if !imaputil.IsSelectable(f.Attributes) {
		notes = append(notes, "not selectable")
	}
	if excl.Contains(f.Name) {
		notes = append(notes, "excluded")
	}
	if len(notes) > 0 {
		line += "  (" + strings.Join(notes, ", ") + ")"
	}
	return line
}

func runCount(cmd *cobra.Command, o *options) error {
	src, _, err := openSourceOnly(cmd, o)
	if err != nil {
		return err
	}
	defer src.Close()

	folders, err := migrate.ListFolders(src)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	total := 0
	for _, fc := range migrate.CountMessages(src, folders) {
		if fc.Err != nil {
			fmt.Fprintf(w, "%s : ERROR (%v)\n", fc.Folder, errors.Unwrap(fc.Err))
			continue
		}
		total += fc.Count
		fmt.Fprintf(w, "%s : %d emails\n", fc.Folder, fc.Count)
	}
	fmt.Fprintf(w, "\nTotal: %d emails. No changes were made.\n", total)
	return nil
}

// openSourceOnly loads the configuration and connects to the source for the
// read-only commands.
func openSourceOnly(cmd *cobra.Command, o *options) (migrate.SourceConn, *config.Config, error) {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return nil, nil, err
	}
	if err := setupLogging(cfg, os.Stderr); err != nil {
		return nil, nil, err
	}
	if o.mboxPath == "" {
		if err := cfg.ValidateSource(); err != nil {
			return nil, nil, &migrate.ConfigError{Err: err}
		}
	}
	src, err := connectSource(cmd.Context(), cfg, o)
	if err != nil {
		return nil, nil, &migrate.ConnectionError{Side: "source", Err: err}
	}
	return src, cfg, nil
}
