// Package receive implements "loop receive": stay discoverable and save what
// peers send into an output directory.
package receive

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sheerbytes/localloop/internal/config"
	"github.com/sheerbytes/localloop/internal/discovery"
	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/internal/progress"
	"github.com/sheerbytes/localloop/internal/signaling"
	"github.com/sheerbytes/localloop/internal/termio"
	"github.com/sheerbytes/localloop/internal/transfer"
	"github.com/sheerbytes/localloop/internal/transferwebrtc"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

// Run parses args and receives until interrupted.
func Run(args []string) {
	if hasHelpFlag(args) {
		printReceiveUsage()
		return
	}
	cfg, err := config.ParseClientConfig("receive", args)
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		printReceiveUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("loop-receive", cfg.LogLevel)
	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		fmt.Fprintf(termio.Stderr(), "receive failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	client, err := signaling.Dial(ctx, cfg.ServerURL, cfg.PeerID, cfg.Name, logger)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}
	defer client.Close()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	disc := discovery.New(client, cfg.Name, discovery.Options{Logger: logger})
	disc.Start()
	defer disc.Stop()
	if err := disc.Announce(); err != nil {
		return err
	}

	printer := termio.NewProgressPrinter(termio.Stdout())
	board := progress.NewBoard()
	offers := make(chan protocol.TransferOffer, 16)
	mgr := transfer.NewManager(client, transfer.Options{
		SelfName: cfg.Name,
		TransportFactory: transferwebrtc.NewFactory(transferwebrtc.Config{
			STUNServers: cfg.STUNServers,
			Logger:      logger,
		}),
		NegotiationTimeout: cfg.NegotiationTimeout,
		CompletionDelay:    cfg.CompletionDelay,
		Logger:             logger,
		OnIncomingOffer: func(offer protocol.TransferOffer) {
			select {
			case offers <- offer:
			default:
				logger.Warn("offer queue full", "offer_id", offer.OfferID)
			}
		},
		OnArtifact: func(a transfer.Artifact) {
			saved, err := saveArtifact(cfg.OutputDir, a)
			if err != nil {
				fmt.Fprintf(termio.Stderr(), "save %s: %v\n", a.FileName, err)
				return
			}
			fmt.Fprintf(termio.Stdout(), "saved %s\n", saved)
		},
		OnUpdate: func(transfers []transfer.Transfer) {
			for _, t := range transfers {
				if t.Direction == transfer.DirectionReceive {
					report(printer, board, t, t.Progress)
				}
			}
		},
	})
	mgr.Start()
	defer mgr.Close()

	fmt.Fprintf(termio.Stdout(), "waiting for files as %q (peer id %s), saving to %s\n", cfg.Name, client.ID(), cfg.OutputDir)

	stdin := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			return fmt.Errorf("signaling connection lost: %w", err)
		case offer := <-offers:
			describeOffer(offer)
			if cfg.AutoAccept || termio.Confirm(stdin, termio.Stdout(), "Accept?") {
				err = mgr.AcceptOffer(ctx, offer.OfferID)
			} else {
				err = mgr.RefuseOffer(ctx, offer.OfferID)
			}
			if err != nil {
				fmt.Fprintf(termio.Stderr(), "offer %s: %v\n", offer.OfferID, err)
			}
		}
	}
}

func describeOffer(offer protocol.TransferOffer) {
	var total uint64
	for _, f := range offer.Files {
		total += f.FileSize
	}
	fmt.Fprintf(termio.Stdout(), "%s wants to send %d file(s), %d bytes:\n", offer.SenderName, len(offer.Files), total)
	for _, f := range offer.Files {
		fmt.Fprintf(termio.Stdout(), "  - %s (%d bytes)\n", f.FileName, f.FileSize)
	}
}

// saveArtifact writes a below dir under a name that does not clobber
// existing files and returns the path used.
func saveArtifact(dir string, a transfer.Artifact) (string, error) {
	name := safeRelPath(a.FileName)
	if sub := filepath.Dir(name); sub != "." {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", err
		}
	}
	for i := 0; ; i++ {
		target := filepath.Join(dir, candidateName(name, i))
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(a.Data); err != nil {
			f.Close()
			return "", err
		}
		return target, f.Close()
	}
}

// safeRelPath turns a peer supplied name into a relative path that cannot
// escape the output directory.
func safeRelPath(name string) string {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "download"
	}
	return filepath.FromSlash(clean)
}

// candidateName returns name for i == 0, otherwise "stem (i).ext".
func candidateName(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return stem + " (" + strconv.Itoa(i) + ")" + ext
}

func printReceiveUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: loop receive [flags]")
	fmt.Fprintln(termio.Stderr(), "  --server-url URL             relay server (default http://localhost:8080)")
	fmt.Fprintln(termio.Stderr(), "  --name NAME                  display name announced to peers")
	fmt.Fprintln(termio.Stderr(), "  --out DIR                    directory for received files (default .)")
	fmt.Fprintln(termio.Stderr(), "  --yes                        accept every offer without prompting")
	fmt.Fprintln(termio.Stderr(), "  --stun URL                   STUN server for direct transfers (repeatable)")
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
