package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/mailmigrate/internal/migrate"
	"github.com/pepperpark/mailmigrate/internal/state"
)

const sampleMbox = "From alice@example.org Tue Jan  2 10:00:00 2024\n" +
	"Subject: first\n" +
	"Date: Tue, 02 Jan 2024 10:00:00 +0000\n" +
	"\n" +
	"one\n" +
	"\n" +
	"From bob@example.org Wed Jan  3 10:00:00 2024\n" +
	"Subject: second\n" +
	"\n" +
	"two\n"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func startDestination(t *testing.T) string {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String()
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitConfig, exitCode(&migrate.ConfigError{Err: errors.New("missing")}))
	assert.Equal(t, exitFailure, exitCode(&migrate.ConnectionError{Side: "source", Err: errors.New("refused")}))
	assert.Equal(t, exitInterrupted, exitCode(errors.Wrap(context.Canceled, "run")))
}

func TestParseMappings(t *testing.T) {
	m, err := parseMappings([]string{"Old=New", "a=b=c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Old": "New", "a": "b=c"}, m)

	for _, bad := range []string{"novalue", "=x", "x="} {
		_, err := parseMappings([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestExcludeList(t *testing.T) {
	base := []string{"[Gmail]", "[Gmail]/Trash", "Spam"}
	assert.Equal(t, []string{"[Gmail]", "[Gmail]/Trash", "Spam", "Drafts"}, excludeList(base, []string{"Drafts"}, false))
	assert.Equal(t, []string{"Spam", "Drafts"}, excludeList(base, []string{"Drafts"}, true))
}

func TestMissingCredentialsIsConfigError(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "mailmigrate.yaml", fmt.Sprintf("log_dir: %s\nstate_file: %s\n", filepath.Join(dir, "logs"), filepath.Join(dir, "state.json")))

	_, err := execute(t, "--config", cfgPath, "--yes", "--no-tui")
	var cfgErr *migrate.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, exitConfig, exitCode(err))
	_, statErr := os.Stat(filepath.Join(dir, "state.json"))
	assert.True(t, os.IsNotExist(statErr), "nothing is written before credentials are checked")
}

func TestInvalidMappingIsConfigError(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "mailmigrate.yaml", "dry_run: true\n")
	_, err := execute(t, "--config", cfgPath, "--map", "broken")
	var cfgErr *migrate.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "invalid --map value")
}

func TestFoldersAndCountFromMbox(t *testing.T) {
	dir := t.TempDir()
	mbox := writeFile(t, dir, "archive.mbox", sampleMbox)
	cfgPath := writeFile(t, dir, "mailmigrate.yaml", fmt.Sprintf("log_dir: %s\n", filepath.Join(dir, "logs")))

	out, err := execute(t, "folders", "--config", cfgPath, "--mbox", mbox, "--dst-mailbox", "Archive")
	require.NoError(t, err)
	assert.Contains(t, out, "- Archive")
	assert.Contains(t, out, "1 folder(s)")

	out, err = execute(t, "count", "--config", cfgPath, "--mbox", mbox, "--dst-mailbox", "Archive")
	require.NoError(t, err)
	assert.Contains(t, out, "Archive : 2 emails")
	assert.Contains(t, out, "Total: 2 emails")
}

func TestFolderLine(t *testing.T) {
	excl := migrate.NewExclusions("[Gmail]")
	assert.Equal(t, "- INBOX  (delimiter /)", folderLine(migrate.Folder{Name: "INBOX", Delimiter: "/"}, excl))
	assert.Equal(t, `- [Gmail]  (delimiter /, \HasChildren \Noselect, not selectable, excluded)`,
		folderLine(migrate.Folder{Name: "[Gmail]", Delimiter: "/", Attributes: []string{`\HasChildren`, `\Noselect`}}, excl))
	assert.Equal(t, "- Archive", folderLine(migrate.Folder{Name: "Archive"}, excl))
}

func TestMigrateMboxToIMAP(t *testing.T) {
	dir := t.TempDir()
	host, port, err := net.SplitHostPort(startDestination(t))
	require.NoError(t, err)
	mbox := writeFile(t, dir, "archive.mbox", sampleMbox)
	statePath := filepath.Join(dir, "state.json")
	metricsPath := filepath.Join(dir, "run.prom")
	cfgPath := writeFile(t, dir, "mailmigrate.yaml", fmt.Sprintf(`destination:
  host: %s
  port: %s
  email: username
  password: password
  security: none
state_file: %s
log_dir: %s
metrics_file: %s
`, host, port, statePath, filepath.Join(dir, "logs"), metricsPath))

	args := []string{"migrate", "--config", cfgPath, "--mbox", mbox, "--dst-mailbox", "Archive", "--yes", "--no-tui"}
	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Copied 2 message(s)")

	st, err := state.Load(statePath)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, st.UIDs("Archive"))

	b, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), `mailmigrate_messages_copied_total{folder="Archive"} 2`)

	out, err = execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Copied 0 message(s)", "a second run copies nothing")
}

func TestMigrationSummary(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "mailmigrate.yaml", `source:
  email: old@example.org
destination:
  email: new@example.org
map:
  Work: Archive/Work
dry_run: true
`)
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", cfgPath, "--state-file", filepath.Join(dir, "s.json")}))
	o := &options{configPath: cfgPath, stateFile: filepath.Join(dir, "s.json")}
	cfg, err := loadConfig(cmd, o)
	require.NoError(t, err)

	s := migrationSummary(cfg, o)
	assert.Contains(t, s, "old@example.org on imap.gmail.com:993")
	assert.Contains(t, s, "new@example.org")
	assert.Contains(t, s, "(0 messages already migrated)")
	assert.Contains(t, s, "[Gmail], [Gmail]/Trash")
	assert.Contains(t, s, "Work -> Archive/Work")
	assert.Contains(t, s, "Dry run")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	sum := &migrate.Summary{
		Folders: []migrate.FolderResult{
			{Folder: "INBOX", Total: 3, Copied: 2, Failed: []*migrate.MessageTransferError{{Folder: "INBOX", UID: 3, Op: "fetch", Err: errors.New("timeout")}}},
			{Folder: "[Gmail]", Skipped: "excluded"},
			{Folder: "Projects", Skipped: "destination folder unavailable"},
		},
		Copied:      2,
		Failed:      1,
		Interrupted: true,
	}
	printSummary(&buf, sum, "state.json")
	out := buf.String()
	assert.Contains(t, out, "Copied 2 message(s) from 3 folder(s), 1 failed.")
	assert.Contains(t, out, "Projects: destination folder unavailable")
	assert.NotContains(t, out, "[Gmail]:")
	assert.Contains(t, out, "UID 3")
	assert.Contains(t, out, "Progress saved to state.json.")
}

func TestModelApply(t *testing.T) {
	m := newModel(func() {}, nil)
	m.apply(migrate.Event{Type: migrate.EventFolderStart, Folder: "INBOX"})
	m.apply(migrate.Event{Type: migrate.EventFolderProgress, Folder: "INBOX", Total: 4, Done: 1})
	m.apply(migrate.Event{Type: migrate.EventMessageFailed, Folder: "INBOX", UID: 9, Err: errors.New("boom"), Total: 4, Done: 2})
	m.apply(migrate.Event{Type: migrate.EventFolderDone, Folder: "Sent", Total: 2, Done: 2})

	assert.Equal(t, "INBOX", m.current)
	assert.Equal(t, 6, m.totalAll)
	assert.Equal(t, 4, m.doneAll)
	assert.Equal(t, 1, m.failed)
	view := m.View()
	assert.Contains(t, view, "Overall 4/6")
	assert.True(t, strings.Contains(view, "INBOX UID 9"))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "ETA <1s", formatETA(500*time.Millisecond))
	assert.Equal(t, "ETA 42s", formatETA(42*time.Second))
	assert.Equal(t, "ETA 2m5s", formatETA(2*time.Minute+5*time.Second))
	assert.Equal(t, "ETA 3h15m", formatETA(3*time.Hour+15*time.Minute))
	assert.Equal(t, "ETA >99h", formatETA(100*time.Hour))
}
