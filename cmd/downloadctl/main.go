// Command downloadctl is a minimal demonstration host for the download
// engine library, trimmed of the donor's Wails/systray/frontend/MCP
// wiring (all out of scope per SPEC_FULL.md §1): it opens a store,
// constructs an Engine, submits one request from its flags, prints
// Notifier updates as they arrive, and exits once the request reaches a
// terminal status.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"downloadengine/internal/engine"
	"downloadengine/internal/notifier"
	"downloadengine/internal/store"
)

func main() {
	var (
		dbPath  = flag.String("db", "downloads.db", "path to the SQLite request store")
		destDir = flag.String("dest", ".", "destination directory")
		owner   = flag.String("owner", "downloadctl", "owning package/tenant identifier")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: downloadctl [flags] <url>")
		os.Exit(2)
	}
	url := flag.Arg(0)

	e, err := engine.New(engine.Config{DBPath: *dbPath, AppName: "downloadctl"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "downloadctl: open engine:", err)
		os.Exit(1)
	}
	defer e.Shutdown()

	e.SetNotifySink(func(u notifier.Update) {
		if u.Progress != nil {
			fmt.Printf("%s: %s (%.1f%%)\n", u.Tag, u.Detail, *u.Progress*100)
			return
		}
		fmt.Printf("%s: %s\n", u.Tag, u.Detail)
	})

	id, err := e.Submit(engine.SubmitRequest{
		Owner:        *owner,
		SourceURI:    url,
		DestDir:      *destDir,
		Visibility:   store.VisibilityVisibleNotifyComplete,
		AllowMetered: true,
		AllowRoaming: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "downloadctl: submit:", err)
		os.Exit(1)
	}
	fmt.Printf("submitted request %d for %s\n", id, url)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			fmt.Println("downloadctl: signal received, shutting down")
			return
		case <-ticker.C:
			row, err := e.Query(engine.Filter{})
			if err != nil {
				continue
			}
			for _, r := range row {
				if r.ID != id {
					continue
				}
				if r.Status.IsTerminal() {
					fmt.Printf("request %d finished: status=%d bytes=%d/%d\n", id, r.Status, r.CurrentBytes, r.TotalBytes)
					return
				}
			}
		}
	}
}
