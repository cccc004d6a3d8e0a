// ABOUTME: gpvsync is the CLI for the goal portfolio sync engine.
// ABOUTME: Provides init, auth, sync, auto-sync, and preference commands.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/laurenceputra/goal-portfolio-viewer-sub001/goalsync"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		return
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "register":
		err = cmdRegister(os.Args[2:])
	case "login":
		err = cmdLogin(os.Args[2:])
	case "logout":
		err = cmdLogout(os.Args[2:])
	case "unlock":
		err = cmdUnlock(os.Args[2:])
	case "export-key":
		err = cmdExportKey(os.Args[2:])
	case "import-key":
		err = cmdImportKey(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "sync":
		err = cmdSync(os.Args[2:])
	case "auto":
		err = cmdAuto(os.Args[2:])
	case "target":
		err = cmdTarget(os.Args[2:])
	default:
		usage()
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: gpvsync <command> [flags]

commands:
  init         create the config file and device identity
  register     create a sync account and master key
  login        authenticate an existing account on this device
  logout       clear tokens and lock the master key
  unlock       make the master key resident from its stored copy
  export-key   print the wrapped master key for pairing a device
  import-key   pair this device with a wrapped master key
  status       show sync state, tokens, and last sync
  sync         run one sync (-direction download|upload|both)
  auto         run periodic bidirectional sync until interrupted
  target       get or set goal target percentages`)
}

// appContext bundles what every command needs.
type appContext struct {
	cfg     *Config
	store   *goalsync.SQLiteStorage
	manager *goalsync.Manager
	logger  zerolog.Logger
}

func openApp() (*appContext, error) {
	if !ConfigExists() {
		fmt.Fprintln(os.Stderr, "No config found. Initializing gpvsync...")
		if _, err := InitConfig(); err != nil {
			return nil, fmt.Errorf("auto-init config: %w", err)
		}
	}
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	store, err := goalsync.OpenSQLiteStorage(cfg.StoreDB)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StoreDB, err)
	}

	manager := goalsync.NewManager(goalsync.ManagerConfig{
		Storage: store,
		Client: goalsync.NewClient(goalsync.ClientConfig{
			BaseURL:            cfg.Server,
			MinRequestInterval: 250 * time.Millisecond,
		}),
		Logger: logger,
	})

	return &appContext{cfg: cfg, store: store, manager: manager, logger: logger}, nil
}

func (a *appContext) Close() {
	_ = a.store.Close()
}

func cmdInit(args []string) error {
	_ = args
	if ConfigExists() {
		fmt.Printf("Config already exists at %s\n", ConfigPath())
		return nil
	}
	cfg, err := InitConfig()
	if err != nil {
		return err
	}
	fmt.Printf("Created %s\n", ConfigPath())
	fmt.Printf("Server: %s\n", cfg.Server)
	fmt.Printf("Store:  %s\n", cfg.StoreDB)
	return nil
}
