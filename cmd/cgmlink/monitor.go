package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/cgmlink/internal/adapter"
	"github.com/srg/cgmlink/internal/connmgr"
	"github.com/srg/cgmlink/internal/ringchan"
	"github.com/srg/cgmlink/pkg/config"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Maintain the transmitter link and print received payloads",
	Long: `Connects to the transmitter and keeps the link alive, printing every
received payload as a hex line with a timestamp.

Discovery prefers the last-connected transmitter, then peripherals the system
already holds a connection to, then an active scan. Disconnects and failed
connects rearm the retry loop automatically; stop with Ctrl+C.`,
	RunE: runMonitor,
}

var (
	monitorConfigPath    string
	monitorTransmitterID string
	monitorRetryDelay    time.Duration
	monitorIDFile        string
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorConfigPath, "config", "c", "", "YAML config file")
	monitorCmd.Flags().StringVarP(&monitorTransmitterID, "transmitter", "t", "", "Transmitter serial (e.g. 8XY123); empty accepts any transmitter")
	monitorCmd.Flags().DurationVar(&monitorRetryDelay, "retry-delay", 0, "Grace period before rescanning after a link drop")
	monitorCmd.Flags().StringVar(&monitorIDFile, "id-file", "", "File for the last-connected identifier (default ~/.cgmlink/last-peripheral)")
}

// linkEvent is what the link loop hands to the printing goroutine. Readiness
// and payload events share one ordered stream.
type linkEvent struct {
	ready bool
	err   error
	data  []byte
}

// linkOwner adapts the manager's owner callbacks to a drop-oldest ring so a
// stalled terminal never blocks the link event loop.
type linkOwner struct {
	events *ringchan.Ring[linkEvent]
}

func (o *linkOwner) Ready(err error) {
	o.events.Send(linkEvent{ready: true, err: err})
}

func (o *linkOwner) DataReceived(data []byte) {
	// the loop reuses its buffer; copy before crossing goroutines
	payload := make([]byte, len(data))
	copy(payload, data)
	o.events.Send(linkEvent{data: payload})
}

// transmitterPolicy accepts peripherals whose advertised name matches the
// transmitter serial. The transmitter advertises as "Dexcom" plus the last
// two characters of its serial. An empty serial accepts any transmitter.
func transmitterPolicy(serial string) connmgr.Policy {
	serial = strings.ToUpper(strings.TrimSpace(serial))
	if serial == "" {
		return nil
	}
	suffix := serial
	if len(suffix) > 2 {
		suffix = suffix[len(suffix)-2:]
	}
	return func(p adapter.Peripheral) bool {
		name := strings.ToUpper(p.Name())
		return strings.HasPrefix(name, "DEXCOM") && strings.HasSuffix(name, suffix)
	}
}

// loadConfig merges the config file with command-line overrides.
func loadConfig(configPath, transmitterID string, retryDelay time.Duration) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if transmitterID != "" {
		cfg.TransmitterID = transmitterID
	}
	if retryDelay > 0 {
		cfg.RetryDelay = retryDelay
	}
	return cfg, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(monitorConfigPath, monitorTransmitterID, monitorRetryDelay)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	events := ringchan.New[linkEvent](cfg.DataBuffer)
	return runLink(cmd.Context(), logger, cfg, events, func(ev linkEvent) {
		printLinkEvent(ev)
	})
}

// runLink wires a manager to the given event ring and pumps events into
// emit until interrupted. Shared by monitor and bridge.
func runLink(ctx context.Context, logger *logrus.Logger, cfg *config.Config,
	events *ringchan.Ring[linkEvent], emit func(linkEvent)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr, err := connmgr.NewManager(connmgr.Options{
		Owner:      &linkOwner{events: events},
		Policy:     transmitterPolicy(cfg.TransmitterID),
		IDStore:    newFileIDStore(monitorIDFile),
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(); err != nil {
		return err
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			logger.WithError(cerr).Warn("Close failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events.C():
			emit(ev)
		}
	}
}

var (
	readyColor = color.New(color.FgGreen)
	errorColor = color.New(color.FgRed)
)

func printLinkEvent(ev linkEvent) {
	now := time.Now().Format(time.RFC3339)
	switch {
	case ev.ready && ev.err == nil:
		readyColor.Printf("%s  link ready\n", now)
	case ev.ready:
		errorColor.Printf("%s  link error: %s\n", now, ev.err)
	default:
		fmt.Printf("%s  %s\n", now, hex.EncodeToString(ev.data))
	}
}
