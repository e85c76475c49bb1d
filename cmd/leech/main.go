package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/arjbhat/leech/internal/config"
	"github.com/arjbhat/leech/internal/logging"
	"github.com/arjbhat/leech/internal/torrent"
)

func main() {
	setupLogger()

	if err := config.Init(); err != nil {
		slog.Error("failed to initialize config", "error", err.Error())
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <path-to-torrent-file> [download-dir]\n", os.Args[0])
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		slog.Error("failed to read torrent file", "error", err.Error())
		os.Exit(1)
	}

	downloadDir := ""
	if len(os.Args) >= 3 {
		downloadDir = os.Args[2]
	}

	inst, err := torrent.NewInstance(config.Load().ClientID, data, downloadDir)
	if err != nil {
		slog.Error("failed to parse torrent", "error", err.Error())
		os.Exit(1)
	}
	defer inst.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Run(ctx) }()

	reportProgress(ctx, inst)

	if err := <-errCh; err != nil && ctx.Err() == nil {
		slog.Error("torrent run ended with error", "error", err.Error())
		os.Exit(1)
	}
}

// reportProgress renders a progress bar against the instance's verified
// byte count until the torrent completes or ctx is cancelled.
func reportProgress(ctx context.Context, inst *torrent.Instance) {
	bar := progressbar.DefaultBytes(inst.Metainfo.Size(), inst.Metainfo.Info.Name)
	defer bar.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bar.Set64(int64(inst.Progress() * float64(inst.Metainfo.Size())))
			if inst.Progress() >= 1 {
				return
			}
		}
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
