// Command lst-server is the lst relay: it authenticates accounts, stores
// end-to-end encrypted documents, and fans changes out to each user's
// devices. It cannot read anything it stores.
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
	"github.com/lst-sh/lst/internal/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lst-server",
	Short: "lst relay server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		dbPath := cfg.Server.DatabasePath
		if dbPath == "" {
			dbPath = filepath.Join(config.DataDir(), "relay.db")
		}

		logFile := &lumberjack.Logger{
			Filename:   filepath.Join(filepath.Dir(dbPath), "lst-server.log"),
			MaxSize:    10, // MiB
			MaxBackups: 3,
			MaxAge:     30, // days
		}
		logger := log.New(io.MultiWriter(os.Stderr, logFile), "[lst-server] ", log.LstdFlags)

		db, err := server.OpenSyncDB(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		srv, err := server.New(cfg.Server, db, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		if err := srv.Stop(); err != nil {
			logger.Printf("shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Println("shut down")
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/lst/lst.toml)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
