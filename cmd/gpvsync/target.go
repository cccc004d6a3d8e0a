// ABOUTME: target.go implements get/set/list for goal target percentages and
// ABOUTME: fixed flags, pushing each edit with an immediate sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/laurenceputra/goal-portfolio-viewer-sub001/goalsync"
)

func cmdTarget(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("target requires a subcommand: set | get | fix | unfix | list")
	}
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	switch args[0] {
	case "set":
		return targetSet(app, args[1:])
	case "get":
		return targetGet(app, args[1:])
	case "fix":
		return targetFix(app, args[1:], true)
	case "unfix":
		return targetFix(app, args[1:], false)
	case "list":
		return targetList(app)
	default:
		return fmt.Errorf("unknown target subcommand: %s", args[0])
	}
}

func targetSet(app *appContext, args []string) error {
	fs := flag.NewFlagSet("target set", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: gpvsync target set <goal-id> <percent>")
	}
	pct, err := strconv.ParseFloat(rest[1], 64)
	if err != nil {
		return fmt.Errorf("invalid percentage %q", rest[1])
	}

	stored, err := goalsync.SetGoalTarget(app.store, rest[0], pct)
	if err != nil {
		return fmt.Errorf("invalid percentage %q", rest[1])
	}
	fmt.Printf("%s target = %.2f%%\n", rest[0], stored)
	syncAfterEdit(app, "target:"+rest[0])
	return nil
}

func targetGet(app *appContext, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gpvsync target get <goal-id>")
	}
	goalID := args[0]
	fixed, err := goalsync.GoalFixed(app.store, goalID)
	if err != nil {
		return err
	}
	if fixed {
		fmt.Printf("%s: fixed\n", goalID)
		return nil
	}
	pct, err := goalsync.GoalTarget(app.store, goalID)
	if errors.Is(err, goalsync.ErrNotFound) {
		fmt.Printf("%s: no target set\n", goalID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %.2f%%\n", goalID, pct)
	return nil
}

func targetFix(app *appContext, args []string, fixed bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gpvsync target %s <goal-id>", map[bool]string{true: "fix", false: "unfix"}[fixed])
	}
	if err := goalsync.SetGoalFixed(app.store, args[0], fixed); err != nil {
		return err
	}
	fmt.Printf("%s fixed = %v\n", args[0], fixed)
	syncAfterEdit(app, "fixed:"+args[0])
	return nil
}

// syncAfterEdit pushes an edit immediately. A one-shot command exits before
// any debounce timer could fire, so the debounced path is only useful to
// long-running callers; here the sync happens inline or not at all. The edit
// is already persisted, so a failed or locked sync degrades to a hint.
func syncAfterEdit(app *appContext, reason string) {
	if app.manager.State() != goalsync.StateUnlocked {
		fmt.Println("Saved locally; will sync on the next 'gpvsync sync' run.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := app.manager.PerformSync(ctx, goalsync.DirectionBoth)
	if err != nil {
		app.logger.Warn().Err(err).Str("reason", reason).Msg("sync after edit failed")
		fmt.Println("Saved locally; run 'gpvsync sync' to push the change.")
		return
	}
	describeResult(result)
}

func targetList(app *appContext) error {
	doc, err := goalsync.CollectConfig(app.store)
	if err != nil {
		return err
	}
	endowus := doc.Platforms.Endowus
	if len(endowus.GoalTargets) == 0 && len(endowus.GoalFixed) == 0 {
		fmt.Println("No goal targets set.")
		return nil
	}

	goalIDs := make([]string, 0, len(endowus.GoalTargets))
	for goalID := range endowus.GoalTargets {
		goalIDs = append(goalIDs, goalID)
	}
	sort.Strings(goalIDs)
	for _, goalID := range goalIDs {
		fmt.Printf("%-24s %6.2f%%\n", goalID, endowus.GoalTargets[goalID])
	}

	var fixed []string
	for goalID, on := range endowus.GoalFixed {
		if on {
			fixed = append(fixed, goalID)
		}
	}
	if len(fixed) > 0 {
		sort.Strings(fixed)
		fmt.Printf("fixed: %s\n", strings.Join(fixed, ", "))
	}
	return nil
}
