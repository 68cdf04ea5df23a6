package migrate

import (
	"context"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/pepperpark/mailmigrate/internal/mailmsg"
	"github.com/pepperpark/mailmigrate/internal/metrics"
	"github.com/pepperpark/mailmigrate/internal/state"
)

// Options configures an Engine. The zero value copies every folder under its
// own name with a no-op logger and discard metrics.
type Options struct {
	DryRun  bool
	Map     map[string]string // optional exact folder name mapping: src->dst
	Exclude Exclusions
	Logger  log.Logger
	Metrics *metrics.Metrics
	Events  chan<- Event // optional; progress events are dropped when full
}

// FolderResult summarizes what happened to one source folder.
type FolderResult struct {
	Folder  string
	Total   int // messages found in the source folder
	Already int // of Total, messages recorded as migrated before this run
	Pending int // messages that still needed a transfer
	Copied  int
	Failed  []*MessageTransferError
	Skipped string // reason the folder was not processed, empty otherwise
}

// Engine copies folders from src to dst, recording every transferred message
// in st and persisting st through store after each one. It is not safe for
// concurrent use: folders and messages are processed strictly one at a time.
type Engine struct {
	src   Source
	dst   Target
	st    *state.State
	store Store
	opts  Options
}

// NewEngine returns an Engine, filling unset Options with defaults.
func NewEngine(src Source, dst Target, st *state.State, store Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDiscard()
	}
	if opts.Exclude == nil {
		opts.Exclude = NewExclusions()
	}
	return &Engine{src: src, dst: dst, st: st, store: store, opts: opts}
}

// MigrateAll runs MigrateFolder for every folder in order. Folder level errors
// are logged and the next folder is attempted. It only returns early, with the
// context error, when ctx is cancelled.
func (e *Engine) MigrateAll(ctx context.Context, folders []Folder) ([]FolderResult, error) {
	results := make([]FolderResult, 0, len(folders))
	for _, f := range folders {
		res, err := e.MigrateFolder(ctx, f.Name)
		results = append(results, res)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return results, ctxErr
		}
		if err == nil {
			continue
		}

		var accessErr *FolderAccessError
		var provErr *FolderProvisionError
		switch {
		case errors.As(err, &accessErr):
			level.Error(e.opts.Logger).Log("msg", "skipping folder, cannot read source", "folder", f.Name, "op", accessErr.Op, "err", accessErr.Err)
		case errors.As(err, &provErr):
			level.Error(e.opts.Logger).Log("msg", "skipping folder due to destination folder error", "folder", f.Name, "err", provErr.Err)
		default:
			level.Error(e.opts.Logger).Log("msg", "skipping folder", "folder", f.Name, "err", err)
		}
	}
	return results, nil
}

// MigrateFolder copies the messages of one source folder that are not yet
// recorded in the state. The returned error is a *FolderAccessError, a
// *FolderProvisionError or the context error; per-message failures are listed
// in the result and do not stop the folder.
func (e *Engine) MigrateFolder(ctx context.Context, name string) (FolderResult, error) {
	res := FolderResult{Folder: name}
	logger := log.With(e.opts.Logger, "folder", name)

	if e.opts.Exclude.Contains(name) {
		level.Info(logger).Log("msg", "skipping folder (excluded)")
		res.Skipped = "excluded"
		e.skip(res, nil)
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	level.Info(logger).Log("msg", "starting migration for folder")
	e.emit(Event{Type: EventFolderStart, Folder: name})

	if err := e.src.SelectFolder(name, true); err != nil {
		res.Skipped = "select failed"
		ferr := &FolderAccessError{Folder: name, Op: "select", Err: err}
		e.skip(res, ferr)
		return res, ferr
	}
	all, err := e.src.SearchAll()
	if err != nil {
		res.Skipped = "search failed"
		ferr := &FolderAccessError{Folder: name, Op: "search", Err: err}
		e.skip(res, ferr)
		return res, ferr
	}
	res.Total = len(all)
	if len(all) == 0 {
		level.Info(logger).Log("msg", "no messages found in folder")
		e.emit(Event{Type: EventFolderDone, Folder: name})
		return res, nil
	}

	remaining := pending(all, func(uid uint32) bool { return e.st.IsMigrated(name, uid) })
	res.Already = len(all) - len(remaining)
	res.Pending = len(remaining)
	if len(remaining) == 0 {
		level.Info(logger).Log("msg", "all messages already migrated", "total", res.Total)
		e.emit(Event{Type: EventFolderDone, Folder: name, Total: res.Total, Done: res.Total})
		return res, nil
	}
	level.Info(logger).Log("msg", "folder summary", "total", res.Total, "already_migrated", res.Already, "to_migrate", res.Pending)

	if e.opts.DryRun {
		for _, uid := range remaining {
			level.Debug(logger).Log("msg", "dry-run: would copy message", "uid", uid)
		}
		level.Info(logger).Log("msg", "dry-run: folder not copied", "to_migrate", res.Pending)
		e.emit(Event{Type: EventFolderDone, Folder: name, Total: res.Pending})
		return res, nil
	}

	dstName := e.mapName(name)
	if err := EnsureFolder(e.dst, dstName); err != nil {
		res.Skipped = "destination folder unavailable"
		e.skip(res, err)
		return res, err
	}

	e.emit(Event{Type: EventFolderProgress, Folder: name, Total: res.Pending})
	for i, uid := range remaining {
		if err := ctx.Err(); err != nil {
			level.Warn(logger).Log("msg", "folder interrupted", "copied", res.Copied, "remaining", len(remaining)-i)
			return res, err
		}
		if err := e.transfer(name, dstName, uid); err != nil {
			var mte *MessageTransferError
			if errors.As(err, &mte) {
				res.Failed = append(res.Failed, mte)
			}
			level.Error(logger).Log("msg", "error migrating message", "uid", uid, "err", err)
			e.opts.Metrics.MessagesFailed.With("folder", name).Add(1)
			e.emit(Event{Type: EventMessageFailed, Folder: name, UID: uid, Err: err, Total: res.Pending, Done: res.Copied + len(res.Failed)})
			continue
		}
		res.Copied++
		e.opts.Metrics.MessagesCopied.With("folder", name).Add(1)
		e.emit(Event{Type: EventFolderProgress, Folder: name, Total: res.Pending, Done: res.Copied + len(res.Failed)})
	}

	level.Info(logger).Log("msg", "completed migration for folder", "copied", res.Copied, "failed", len(res.Failed))
	e.opts.Metrics.FoldersCompleted.Add(1)
	e.emit(Event{Type: EventFolderDone, Folder: name, Total: res.Pending, Done: res.Pending})
	return res, nil
}

// transfer copies one message and checkpoints the state. The UID is only
// recorded after the append succeeded.
func (e *Engine) transfer(folder, dstName string, uid uint32) error {
	msg, err := e.src.Fetch(uid)
	if err != nil {
		return &MessageTransferError{Folder: folder, UID: uid, Op: "fetch", Err: err}
	}
	if msg == nil || msg.Body == nil {
		return &MessageTransferError{Folder: folder, UID: uid, Op: "fetch", Err: errors.New("server returned no message body")}
	}

	info := mailmsg.Parse(msg.Body)
	if msg.InternalDate.IsZero() {
		msg.InternalDate = info.Date
	}
	msg.Flags = appendableFlags(msg.Flags)

	if err := e.dst.Append(dstName, msg); err != nil {
		return &MessageTransferError{Folder: folder, UID: uid, Op: "append", Err: err}
	}

	e.st.Add(folder, uid)
	e.checkpoint()
	level.Debug(e.opts.Logger).Log("msg", "message copied", "folder", folder, "uid", uid, "subject", info.Subject, "message_id", info.MessageID)
	return nil
}

// checkpoint persists the full state. A failure is logged and the run goes on
// in memory; the next checkpoint writes everything again.
func (e *Engine) checkpoint() {
	if e.store == nil {
		return
	}
	if err := e.store.Save(e.st); err != nil {
		level.Error(e.opts.Logger).Log("msg", "failed to save state", "err", &StatePersistError{Err: err})
		e.opts.Metrics.StateSavesFailed.Add(1)
	}
}

func (e *Engine) skip(res FolderResult, err error) {
	e.opts.Metrics.FoldersSkipped.With("reason", res.Skipped).Add(1)
	e.emit(Event{Type: EventFolderSkipped, Folder: res.Folder, Err: err})
}

// emit never blocks for progress events. EventFolderDone and
// EventFolderSkipped close a folder for the consumer and always get through.
func (e *Engine) emit(ev Event) {
	if e.opts.Events == nil {
		return
	}
	if ev.Type == EventFolderDone || ev.Type == EventFolderSkipped {
		e.opts.Events <- ev
		return
	}
	select {
	case e.opts.Events <- ev:
	default:
		// drop if slow consumer
	}
}

func (e *Engine) mapName(name string) string {
	if to, ok := e.opts.Map[name]; ok && to != "" {
		return to
	}
	return name
}

// pending returns the UIDs of all for which migrated is false, keeping the
// order of all. Duplicates are reported once.
func pending(all []uint32, migrated func(uint32) bool) []uint32 {
	out := make([]uint32, 0, len(all))
	seen := make(map[uint32]struct{}, len(all))
	for _, uid := range all {
		if migrated(uid) {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}

// appendableFlags drops \Recent, which only the server may set, and \Deleted,
// which would let the destination expunge a message already recorded as
// migrated.
func appendableFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if strings.EqualFold(f, `\Recent`) || strings.EqualFold(f, `\Deleted`) {
			continue
		}
		out = append(out, f)
	}
	return out
}
