// ABOUTME: auth.go implements register, login, logout, unlock, key pairing,
// ABOUTME: and status commands for the gpvsync CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/laurenceputra/goal-portfolio-viewer-sub001/goalsync"
)

func cmdRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	userID := fs.String("user", "", "account user id")
	password := fs.String("password", "", "account password")
	passphrase := fs.String("passphrase", "", "encryption passphrase (wraps the master key)")
	remember := fs.Bool("remember", false, "keep the master key resident across restarts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *password == "" || *passphrase == "" {
		return fmt.Errorf("register requires -user, -password and -passphrase")
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.manager.Register(ctx, *userID, *password, *passphrase, *remember); err != nil {
		return err
	}

	app.cfg.UserID = *userID
	if err := SaveConfig(app.cfg); err != nil {
		return err
	}
	fmt.Printf("Registered %s on %s\n", *userID, app.cfg.Server)
	fmt.Println("Run 'gpvsync export-key' on this device to pair others.")
	return nil
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	userID := fs.String("user", "", "account user id")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *password == "" {
		return fmt.Errorf("login requires -user and -password")
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.manager.Login(ctx, *userID, *password); err != nil {
		return err
	}

	app.cfg.UserID = *userID
	if err := SaveConfig(app.cfg); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", *userID)
	if app.manager.State() == goalsync.StateLocked {
		fmt.Println("Sync is locked. Run 'gpvsync unlock' or pair with 'gpvsync import-key'.")
	}
	return nil
}

func cmdLogout(args []string) error {
	_ = args
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.manager.Logout(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func cmdUnlock(args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ExitOnError)
	passphrase := fs.String("passphrase", "", "encryption passphrase")
	remember := fs.Bool("remember", false, "keep the master key resident across restarts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *passphrase == "" {
		return fmt.Errorf("unlock requires -passphrase")
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.manager.Unlock(*passphrase, *remember); err != nil {
		return err
	}
	fmt.Println("Unlocked.")
	return nil
}

func cmdExportKey(args []string) error {
	_ = args
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	wrapped, err := app.manager.ExportWrappedMasterKey()
	if err != nil {
		return fmt.Errorf("no master key on this device: %w", err)
	}
	fmt.Println(wrapped)
	return nil
}

func cmdImportKey(args []string) error {
	fs := flag.NewFlagSet("import-key", flag.ExitOnError)
	wrapped := fs.String("key", "", "wrapped master key from 'gpvsync export-key'")
	passphrase := fs.String("passphrase", "", "encryption passphrase")
	remember := fs.Bool("remember", false, "keep the master key resident across restarts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *wrapped == "" || *passphrase == "" {
		return fmt.Errorf("import-key requires -key and -passphrase")
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.manager.ImportWrappedMasterKey(*wrapped, *passphrase, *remember); err != nil {
		return err
	}
	fmt.Println("Device paired.")
	return nil
}

func cmdStatus(args []string) error {
	_ = args
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Printf("Server:  %s\n", app.cfg.Server)
	fmt.Printf("User:    %s\n", displayOrDash(app.cfg.UserID))
	fmt.Printf("State:   %s\n", app.manager.State())

	tokens := app.manager.Tokens()
	fmt.Printf("Access:  %s\n", tokens.State(goalsync.KeySyncAccessToken, goalsync.KeySyncAccessTokenExpiry))
	fmt.Printf("Refresh: %s\n", tokens.State(goalsync.KeySyncRefreshToken, goalsync.KeySyncRefreshTokenExpiry))

	if ts := app.manager.LastSync(); ts > 0 {
		fmt.Printf("Last sync: %s\n", time.UnixMilli(ts).Local().Format(time.RFC1123))
	} else {
		fmt.Println("Last sync: never")
	}
	return nil
}

func displayOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
