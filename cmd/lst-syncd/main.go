// Command lst-syncd is the lst endpoint sync daemon. It watches the
// content directory, folds edits into encrypted CRDT documents, and keeps
// them in sync with the relay server.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lst-sh/lst/internal/config"
	"github.com/lst-sh/lst/internal/crypto"
	"github.com/lst-sh/lst/internal/store"
	"github.com/lst-sh/lst/internal/syncd"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lst-syncd",
	Short: "lst sync daemon",
	Long: `lst-syncd keeps the local lst content directory in sync across devices.

It watches for file changes, records them as CRDT documents, encrypts
everything locally, and exchanges the ciphertext with a relay server.
The relay never sees plaintext content or filenames.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[lst-syncd] ")

		key, err := crypto.LoadKey(cfg.Sync.EncryptionKeyPath)
		if err != nil {
			if err == crypto.ErrNoKey && cfg.Sync.URL != "" {
				fmt.Fprintf(os.Stderr, "Error: no encryption key; run 'lst-syncd login' first\n")
				os.Exit(1)
			}
			if err != crypto.ErrNoKey {
				fmt.Fprintf(os.Stderr, "Error loading encryption key: %v\n", err)
				os.Exit(1)
			}
			// Purely local operation needs no key.
			key = nil
		}

		st, err := store.Open(cfg.Sync.DatabasePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening sync database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		agent := syncd.New(cfg, st, key, logger)
		if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger.Println("shut down")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's last reported sync status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		status, err := syncd.ReadStatus(syncd.StatusPath(cfg))
		if err != nil {
			fmt.Println("lst-syncd: no status report; the daemon has not run yet")
			os.Exit(1)
		}

		switch {
		case status.Stale():
			fmt.Printf("lst-syncd: stale (no report since %s)\n", status.UpdatedAt.Local().Format("15:04:05"))
		case status.LastError != "":
			fmt.Printf("lst-syncd: error: %s\n", status.LastError)
		default:
			fmt.Println("lst-syncd: ok")
		}
		if !status.LastSyncAt.IsZero() {
			fmt.Printf("  last successful sync: %s\n", status.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("  connected:            %v\n", status.Connected)
		fmt.Printf("  pending changes:      %d\n", status.Pending)
		fmt.Printf("  device id:            %s\n", status.DeviceID)

		if !status.Healthy() {
			os.Exit(1)
		}
	},
}

// newLogger tees daemon logs to stderr and a rotated file next to the
// sync database.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(filepath.Dir(cfg.Sync.DatabasePath), "lst-syncd.log"),
		MaxSize:    10, // MiB
		MaxBackups: 3,
		MaxAge:     30, // days
	}
	return log.New(io.MultiWriter(os.Stderr, logFile), prefix, log.LstdFlags)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/lst/lst.toml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loginCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
