// Package send implements "loop send": offer local files to one discovered peer.
package send

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sheerbytes/localloop/internal/config"
	"github.com/sheerbytes/localloop/internal/discovery"
	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/internal/progress"
	"github.com/sheerbytes/localloop/internal/signaling"
	"github.com/sheerbytes/localloop/internal/termio"
	"github.com/sheerbytes/localloop/internal/transfer"
	"github.com/sheerbytes/localloop/internal/transferwebrtc"
	"github.com/sheerbytes/localloop/pkg/manifest"
)

// Run parses args and exits the process with the transfer outcome.
func Run(args []string) {
	if hasHelpFlag(args) {
		printSendUsage()
		return
	}
	cfg, err := config.ParseClientConfig("send", args)
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		printSendUsage()
		os.Exit(2)
	}
	if len(cfg.Paths) < 2 {
		printSendUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("loop-send", cfg.LogLevel)
	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintf(termio.Stderr(), "send failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	target, paths := cfg.Paths[0], cfg.Paths[1:]
	files, err := readFiles(paths)
	if err != nil {
		return err
	}

	client, err := signaling.Dial(ctx, cfg.ServerURL, cfg.PeerID, cfg.Name, logger)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}
	defer client.Close()
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("signaling connection lost", "error", err)
		}
	}()

	disc := discovery.New(client, cfg.Name, discovery.Options{Logger: logger})
	disc.Start()
	defer disc.Stop()
	if err := disc.Announce(); err != nil {
		return err
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, cfg.DiscoveryWait)
	peer, err := disc.WaitFor(waitCtx, target)
	cancelWait()
	if err != nil {
		if roster := disc.Roster(); len(roster) > 0 {
			fmt.Fprintln(termio.Stderr(), "peers online:")
			for _, p := range roster {
				fmt.Fprintf(termio.Stderr(), "  %s (%s)\n", p.DisplayName, p.ID)
			}
		}
		return err
	}

	printer := termio.NewProgressPrinter(termio.Stdout())
	board := progress.NewBoard()
	done := make(chan []transfer.Transfer, 1)
	mgr := transfer.NewManager(client, transfer.Options{
		SelfName: cfg.Name,
		Strategy: cfg.Transport,
		TransportFactory: transferwebrtc.NewFactory(transferwebrtc.Config{
			STUNServers: cfg.STUNServers,
			Logger:      logger,
		}),
		RelayChunkSize:     cfg.RelayChunkSize,
		DirectChunkSize:    cfg.DirectChunkSize,
		ChunkYield:         cfg.ChunkYield,
		NegotiationTimeout: cfg.NegotiationTimeout,
		CompletionDelay:    cfg.CompletionDelay,
		Logger:             logger,
		OnUpdate: func(transfers []transfer.Transfer) {
			for _, t := range transfers {
				report(printer, board, t, sendPercent(t))
			}
		},
		OnTransferComplete: func(_ string, transfers []transfer.Transfer) {
			select {
			case done <- transfers:
			default:
			}
		},
	})
	mgr.Start()
	defer mgr.Close()

	fmt.Fprintf(termio.Stdout(), "offering %d file(s) to %s via %s\n", len(files), peer.DisplayName, cfg.Transport)
	if _, err := mgr.StartSend(ctx, files, peer); err != nil {
		return err
	}

	select {
	case transfers := <-done:
		return summarize(transfers)
	case <-ctx.Done():
		for _, t := range mgr.Snapshot() {
			_ = mgr.CancelTransfer(t.FileID)
		}
		return ctx.Err()
	}
}

// sendPercent prefers the receiver's acknowledgement once it is ahead.
func sendPercent(t transfer.Transfer) int {
	if t.RemoteProgress > t.Progress {
		return t.RemoteProgress
	}
	return t.Progress
}

func summarize(transfers []transfer.Transfer) error {
	failed := 0
	for _, t := range transfers {
		if t.Status != transfer.StatusCompleted {
			failed++
			fmt.Fprintf(termio.Stderr(), "%s: %s %s\n", t.FileName, t.Status, t.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) not delivered", failed, len(transfers))
	}
	fmt.Fprintf(termio.Stdout(), "delivered %d file(s)\n", len(transfers))
	return nil
}

// readFiles loads every file the selection expands to.
func readFiles(paths []string) ([]transfer.File, error) {
	m, err := manifest.ScanPaths(paths)
	if err != nil {
		return nil, err
	}
	files := make([]transfer.File, 0, len(m.Entries))
	for _, e := range m.Entries {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			return nil, err
		}
		files = append(files, transfer.File{
			Name: e.Name,
			Type: mimeType(e.Path),
			Data: data,
		})
	}
	return files, nil
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func printSendUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: loop send [flags] <peer> <path> [path...]")
	fmt.Fprintln(termio.Stderr(), "  <path>                       file or directory; directories are sent recursively")
	fmt.Fprintln(termio.Stderr(), "  <peer>                       peer id or display name of the receiver")
	fmt.Fprintln(termio.Stderr(), "  --server-url URL             relay server (default http://localhost:8080)")
	fmt.Fprintln(termio.Stderr(), "  --name NAME                  display name announced to peers")
	fmt.Fprintln(termio.Stderr(), "  --transport relay|direct     transfer strategy (default relay)")
	fmt.Fprintln(termio.Stderr(), "  --stun URL                   STUN server for direct transfers (repeatable)")
	fmt.Fprintln(termio.Stderr(), "  --discovery-wait DURATION    how long to wait for the peer (default 2s)")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL            debug, info, warn or error")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// report prints t's line, with a transfer rate while bytes are moving.
func report(printer *termio.ProgressPrinter, board *progress.Board, t transfer.Transfer, percent int) {
	status := string(t.Status)
	switch {
	case t.Status.InProgress():
		size := int64(t.FileSize)
		stats := board.Observe(t.FileID, size*int64(percent)/100, size)
		status += " " + progress.FormatRate(stats.RateBps)
	case t.Status.Terminal():
		board.Forget(t.FileID)
		if t.Error != "" {
			status += ": " + t.Error
		}
	}
	printer.Print(t.FileID, t.FileName, percent, status)
}
