// ABOUTME: sync.go implements the one-shot sync and periodic auto-sync
// ABOUTME: commands, including conflict display and resolution.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/laurenceputra/goal-portfolio-viewer-sub001/goalsync"
)

func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	direction := fs.String("direction", "both", "sync direction: download | upload | both")
	retries := fs.Int("retries", 3, "attempts for transient network failures")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var dir goalsync.SyncDirection
	switch *direction {
	case "download":
		dir = goalsync.DirectionDownload
	case "upload":
		dir = goalsync.DirectionUpload
	case "both":
		dir = goalsync.DirectionBoth
	default:
		return fmt.Errorf("unknown direction %q", *direction)
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	retryCfg := goalsync.DefaultRetryConfig()
	retryCfg.MaxAttempts = *retries
	result, err := goalsync.WithRetry(ctx, retryCfg, func() (goalsync.SyncResult, error) {
		return app.manager.PerformSync(ctx, dir)
	})

	var conflict *goalsync.ConflictError
	if errors.As(err, &conflict) {
		return resolveInteractively(ctx, app, conflict)
	}
	if errors.Is(err, goalsync.ErrLockedSync) {
		return fmt.Errorf("sync is locked; run 'gpvsync unlock' first")
	}
	if errors.Is(err, goalsync.ErrSessionExpired) {
		return fmt.Errorf("session expired; run 'gpvsync login' again")
	}
	if err != nil {
		return err
	}

	describeResult(result)
	return nil
}

func describeResult(result goalsync.SyncResult) {
	switch result.Outcome {
	case goalsync.OutcomeUpToDate:
		fmt.Println("Already up to date.")
	case goalsync.OutcomeUploaded:
		fmt.Println("Local settings uploaded.")
	case goalsync.OutcomeDownloaded:
		fmt.Println("Remote settings applied.")
	}
	if result.Timestamp > 0 {
		fmt.Printf("Synced as of %s\n", time.UnixMilli(result.Timestamp).Local().Format(time.RFC1123))
	}
}

func resolveInteractively(ctx context.Context, app *appContext, conflict *goalsync.ConflictError) error {
	fmt.Println("Local and remote settings have diverged:")
	fmt.Println()
	printDiffSections(goalsync.BuildConflictDiffSections(conflict.Local, conflict.Remote, goalsync.DiffLookups{}))

	fmt.Print("Keep [l]ocal (upload) or [r]emote (download)? ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "l", "local":
		result, err := app.manager.ResolveConflict(ctx, conflict, true)
		if err != nil {
			return err
		}
		describeResult(result)
		return nil
	case "r", "remote":
		result, err := app.manager.ResolveConflict(ctx, conflict, false)
		if err != nil {
			return err
		}
		describeResult(result)
		return nil
	default:
		return fmt.Errorf("conflict unresolved; run 'gpvsync sync' again")
	}
}

func printDiffSections(sections goalsync.DiffSections) {
	printSection("Endowus", sections.Endowus)
	printSection("FSM", sections.FSM)
}

func printSection(title string, rows []goalsync.DiffRow) {
	if len(rows) == 0 {
		return
	}
	fmt.Printf("  %s:\n", title)
	for _, row := range rows {
		fmt.Printf("    %-32s local %-12s remote %s\n", row.SettingName, row.LocalDisplay, row.RemoteDisplay)
	}
	fmt.Println()
}

func cmdAuto(args []string) error {
	fs := flag.NewFlagSet("auto", flag.ExitOnError)
	interval := fs.Duration("interval", 5*time.Minute, "time between sync attempts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if app.manager.State() != goalsync.StateUnlocked {
		return fmt.Errorf("sync is %s; unlock before starting auto-sync", app.manager.State())
	}

	if err := app.manager.StartAutoSync(*interval); err != nil {
		return err
	}
	defer app.manager.StopAutoSync()
	app.logger.Info().Dur("interval", *interval).Msg("auto-sync running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("\nStopping auto-sync.")
	return nil
}
