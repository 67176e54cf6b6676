package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/auctiond/internal/config"
	"github.com/wolfeidau/auctiond/internal/logger"
	"github.com/wolfeidau/auctiond/internal/server"
	"github.com/wolfeidau/auctiond/internal/snapshot"
)

type ServerCmd struct {
	Listen          string        `help:"bind address for both endpoints" default:"0.0.0.0" env:"AUCTIOND_LISTEN"`
	Port            int           `help:"port shared by the datagram and stream endpoints" default:"8445" env:"AUCTIOND_PORT"`
	AuctionDuration time.Duration `help:"total lifetime of every auction, shared by snapshot save and load" default:"5m" env:"AUCTIOND_AUCTION_DURATION"`
	Workers         int           `help:"worker pool size" default:"4" env:"AUCTIOND_WORKERS"`

	SnapshotPath  string `help:"sidecar file for connection and auction state" default:"connections.dat" env:"AUCTIOND_SNAPSHOT_PATH"`
	ArchiveDir    string `help:"directory for zstd-compressed snapshot archives, empty disables archiving" default:"" env:"AUCTIOND_ARCHIVE_DIR"`
	RetentionDays int    `help:"days to keep archived snapshots" default:"30" env:"AUCTIOND_RETENTION_DAYS"`

	Config string `help:"optional YAML config file, its values override flag defaults" default:"" env:"AUCTIOND_CONFIG"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("starting auctiond")

	cfg := server.Config{
		ListenIP:        c.Listen,
		Port:            c.Port,
		AuctionDuration: c.AuctionDuration,
		Workers:         c.Workers,
		Snapshot: snapshot.Config{
			Path:          c.SnapshotPath,
			ArchiveDir:    c.ArchiveDir,
			RetentionDays: c.RetentionDays,
		},
	}

	if c.Config != "" {
		file, err := config.Load(c.Config)
		if err != nil {
			return err
		}
		applyFile(&cfg, file)
	}

	srv := server.New(cfg)
	if err := srv.Start(context.Background()); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutdown signal received")
	srv.Shutdown()
	return srv.Wait()
}

// applyFile fills cfg from the YAML file for fields the file sets.
func applyFile(cfg *server.Config, file *config.File) {
	if file.Server.Listen != "" {
		cfg.ListenIP = file.Server.Listen
	}
	if file.Server.Port != 0 {
		cfg.Port = file.Server.Port
	}
	if file.Server.AuctionDuration != 0 {
		cfg.AuctionDuration = file.Server.AuctionDuration
	}
	if file.Server.Workers != 0 {
		cfg.Workers = file.Server.Workers
	}
	if file.Snapshot.Path != "" {
		cfg.Snapshot.Path = file.Snapshot.Path
	}
	if file.Snapshot.ArchiveDir != "" {
		cfg.Snapshot.ArchiveDir = file.Snapshot.ArchiveDir
	}
	if file.Snapshot.RetentionDays != 0 {
		cfg.Snapshot.RetentionDays = file.Snapshot.RetentionDays
	}
}
