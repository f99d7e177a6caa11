package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/relaydev/antigravity-proxy/internal/account"
	"github.com/relaydev/antigravity-proxy/internal/config"
	"github.com/relaydev/antigravity-proxy/internal/events"
	"github.com/relaydev/antigravity-proxy/internal/server"
	"github.com/relaydev/antigravity-proxy/internal/store"
	"github.com/relaydev/antigravity-proxy/internal/transport"
)

var version = "dev"

func main() {
	port := flag.Int("port", 0, "listen port (overrides PORT)")
	dataDir := flag.String("data-dir", "", "data directory (overrides DATA_DIR)")
	staticDir := flag.String("static-dir", "", "static asset directory (overrides STATIC_DIR)")
	flag.Parse()

	cfg := config.Load()
	if *port != 0 {
		cfg.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.DBPath = *dataDir + "/antigravity.db"
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("antigravity-proxy starting", "version", version)

	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	crypto := account.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("encryption key derived")

	tm := transport.NewManager(cfg)
	defer tm.Close()

	srv := server.New(cfg, s, crypto, tm, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
