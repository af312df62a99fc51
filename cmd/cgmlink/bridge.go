package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/cgmlink/internal/ptystream"
	"github.com/srg/cgmlink/internal/ringchan"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose the transmitter payload stream on a PTY",
	Long: `Maintains the transmitter link like monitor, but writes received payloads
to a pseudo-terminal instead of stdout, so serial tools can consume them:

  cgmlink bridge
  # PTY: /dev/pts/3
  cat /dev/pts/3

Each payload is one hex-encoded line. With --raw the payload bytes are
written unframed.`,
	RunE: runBridge,
}

var (
	bridgeRaw     bool
	bridgeSymlink string
)

func init() {
	bridgeCmd.Flags().StringVarP(&monitorConfigPath, "config", "c", "", "YAML config file")
	bridgeCmd.Flags().StringVarP(&monitorTransmitterID, "transmitter", "t", "", "Transmitter serial (e.g. 8XY123); empty accepts any transmitter")
	bridgeCmd.Flags().DurationVar(&monitorRetryDelay, "retry-delay", 0, "Grace period before rescanning after a link drop")
	bridgeCmd.Flags().BoolVar(&bridgeRaw, "raw", false, "Write raw payload bytes instead of hex lines")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g. /tmp/cgm)")
}

func runBridge(cmd *cobra.Command, args []string) error {
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

	stream, err := ptystream.New(ptystream.DefaultBufferSize, logger)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	if bridgeSymlink != "" {
		_ = os.Remove(bridgeSymlink)
		if err := os.Symlink(stream.TTYName(), bridgeSymlink); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", bridgeSymlink, err)
		}
		defer func() { _ = os.Remove(bridgeSymlink) }()
		fmt.Printf("PTY: %s (symlink %s)\n", stream.TTYName(), bridgeSymlink)
	} else {
		fmt.Printf("PTY: %s\n", stream.TTYName())
	}

	events := ringchan.New[linkEvent](cfg.DataBuffer)
	return runLink(cmd.Context(), logger, cfg, events, func(ev linkEvent) {
		if ev.ready {
			if ev.err != nil {
				fmt.Fprintf(os.Stderr, "%s  link error: %s\n", time.Now().Format(time.RFC3339), ev.err)
			}
			return
		}
		if bridgeRaw {
			_, _ = stream.Write(ev.data)
			return
		}
		_, _ = stream.Write([]byte(hex.EncodeToString(ev.data) + "\n"))
	})
}
