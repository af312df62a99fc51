package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/cgmlink/internal/adapter"
	"github.com/srg/cgmlink/internal/adapter/goble"
	"github.com/srg/cgmlink/internal/transmitter"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for CGM transmitters",
	Long: `Scan for transmitters advertising the CGM advertisement service and
display their names, addresses, and signal strength.

Useful for checking that a transmitter is awake and in range before running
the monitor.`,
	RunE: runScanCmd,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

// scanEntry is one discovered transmitter.
type scanEntry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

// scanCollector gathers discovery events; the other adapter events are
// irrelevant for a one-shot scan.
type scanCollector struct {
	mu      sync.Mutex
	entries map[string]scanEntry
}

func newScanCollector() *scanCollector {
	return &scanCollector{entries: make(map[string]scanEntry)}
}

func (c *scanCollector) Discovered(p adapter.Peripheral, adv adapter.Advertisement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := adv.LocalName()
	if name == "" {
		name = p.Name()
	}
	c.entries[p.ID()] = scanEntry{
		ID:       p.ID(),
		Name:     name,
		RSSI:     adv.RSSI(),
		LastSeen: time.Now(),
	}
}

func (c *scanCollector) PowerStateChanged(adapter.PowerState) {}

func (c *scanCollector) StateRestored([]adapter.Peripheral) {}

func (c *scanCollector) Connected(adapter.Peripheral) {}

func (c *scanCollector) ConnectFailed(adapter.Peripheral, error) {}

func (c *scanCollector) Disconnected(adapter.Peripheral, error) {}

func (c *scanCollector) snapshot() []scanEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]scanEntry, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	a, err := goble.NewAdapter(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE adapter: %w", err)
	}
	defer func() { _ = a.Close() }()

	collector := newScanCollector()
	a.SetEvents(collector)

	if err := a.Scan([]string{transmitter.AdvertisementServiceUUID}); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	progress := NewCountdownProgressPrinter("Scanning for transmitters", "Scanning", scanDuration, "Done")
	progress.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	timer := time.NewTimer(scanDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sigCh:
		fmt.Println("\nCtrl+C pressed, stopping scan...")
	}

	a.StopScan()
	progress.Callback()("Done")
	progress.Stop()

	return displayScanResults(collector.snapshot(), scanFormat)
}

func displayScanResults(entries []scanEntry, format string) error {
	if len(entries) == 0 {
		fmt.Println("No transmitters discovered")
		return nil
	}

	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s ago\n",
			e.Name, e.ID, e.RSSI, time.Since(e.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}
