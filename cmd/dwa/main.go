package main

import (
	"log"
	"os"

	"github.com/Adelost/decl-worker-api/internal/api"
	"github.com/Adelost/decl-worker-api/internal/backend"
	"github.com/Adelost/decl-worker-api/internal/backend/remote"
	"github.com/Adelost/decl-worker-api/internal/config"
	"github.com/Adelost/decl-worker-api/internal/engine"
	"github.com/Adelost/decl-worker-api/internal/scheduler"
	"github.com/Adelost/decl-worker-api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("dwa: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backends", len(cfg.Backends),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	for _, b := range cfg.Backends {
		reg.Register(b.Name, remote.New(b.Name, b.URL, nil))
		logger.Info("registered backend", "name", b.Name, "url", b.URL)
	}

	eng := engine.NewEngine(db, reg, logger)

	sched := scheduler.New(eng, logger)
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(cfg.ListenAddr, db, eng, sched, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight jobs finish before closing the store.
	eng.Wait()
}
