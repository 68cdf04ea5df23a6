package main

import (
	"fmt"
	"os"

	pb "github.com/schollz/progressbar/v3"

	"github.com/pepperpark/mailmigrate/internal/migrate"
)

// runPlainProgress renders one progress bar per folder on stderr until events
// is closed. It is used when stdout is not a terminal or --no-tui is set.
func runPlainProgress(events <-chan migrate.Event) {
	var bar *pb.ProgressBar
	finish := func() {
		if bar != nil {
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
			bar = nil
		}
	}
	for ev := range events {
		switch ev.Type {
		case migrate.EventFolderStart:
			finish()
		case migrate.EventFolderProgress, migrate.EventMessageFailed:
			if ev.Total == 0 {
				continue
			}
			if bar == nil {
				bar = pb.Default(int64(ev.Total), "Migrate "+ev.Folder)
			}
			_ = bar.Set(ev.Done)
		case migrate.EventFolderDone:
			if bar != nil {
				_ = bar.Set(ev.Done)
			}
			finish()
		case migrate.EventFolderSkipped:
			finish()
			if ev.Err != nil {
				fmt.Fprintf(os.Stderr, "Skipped %s: %v\n", ev.Folder, ev.Err)
			}
		}
	}
	finish()
}
