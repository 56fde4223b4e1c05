// Command dmcrypt-ublk serves a transparent block-device encryption
// mapping as a real Linux block device via ublk.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	ublk "github.com/ehrlich-b/go-ublk"
	"github.com/ehrlich-b/go-ublk/backend"
	"github.com/ehrlich-b/go-ublk/crypt"
	"github.com/ehrlich-b/go-ublk/internal/logging"
)

var (
	tableLine    string
	underlying   string
	underlyingSz int64
	metadataPath string
	metadataSz   int64
	configPath   string
	deviceName   string
	numQueues    int
	queueDepth   int
	blockSize    int
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "dmcrypt-ublk",
	Short: "Serve a dm-crypt-style encrypted mapping as a ublk block device",
	Long: `dmcrypt-ublk parses a dm-crypt table line, constructs the crypt
mapping it describes, and serves the result as a real Linux block device
through the ublk driver.

The table line has the same five positional fields as dm-crypt's own
construct table (cipher_spec key_token iv_offset device start), plus an
optional trailing feature-argument group.`,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&tableLine, "table", "", "dm-crypt-style table line (required unless --config is given)")
	rootCmd.Flags().StringVar(&underlying, "underlying", "", "path to the backing file for the mapping's underlying device")
	rootCmd.Flags().Int64Var(&underlyingSz, "underlying-size", 0, "size in bytes to create/extend --underlying to")
	rootCmd.Flags().StringVar(&metadataPath, "metadata", "", "path to the backing file for the integrity sideband channel, if the table line has one")
	rootCmd.Flags().Int64Var(&metadataSz, "metadata-size", 0, "size in bytes to create/extend --metadata to")
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file overriding defaults (viper; see LoadConfig)")
	rootCmd.Flags().StringVar(&deviceName, "device-name", "", "name recorded against the kernel ublk device (default: generated)")
	rootCmd.Flags().IntVar(&numQueues, "queues", 0, "number of ublk I/O queues (0 = auto)")
	rootCmd.Flags().IntVar(&queueDepth, "queue-depth", 128, "ublk queue depth")
	rootCmd.Flags().IntVar(&blockSize, "block-size", 512, "logical block size reported to the kernel")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if tableLine == "" {
		tableLine = cfg.TableLine
	}
	if tableLine == "" {
		return fmt.Errorf("dmcrypt-ublk: --table (or config table_line) is required")
	}
	if underlying == "" {
		underlying = cfg.Underlying
	}
	if underlyingSz == 0 {
		underlyingSz = cfg.UnderlyingSize
	}
	if metadataPath == "" {
		metadataPath = cfg.Metadata
	}
	if metadataSz == 0 {
		metadataSz = cfg.MetadataSize
	}

	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	underlyingBackend, err := openBackend(underlying, underlyingSz)
	if err != nil {
		return fmt.Errorf("open underlying device: %w", err)
	}

	var metadataBackend ublk.Backend
	if metadataPath != "" {
		metadataBackend, err = openBackend(metadataPath, metadataSz)
		if err != nil {
			return fmt.Errorf("open metadata device: %w", err)
		}
	}

	m, err := crypt.NewFromLine(tableLine, underlyingBackend, metadataBackend, nil)
	if err != nil {
		return fmt.Errorf("construct mapping: %w", err)
	}

	if deviceName == "" {
		deviceName = "dmcrypt-" + uuid.New().String()[:8]
	}

	params := ublk.DefaultParams(m)
	params.DeviceName = deviceName
	params.NumQueues = numQueues
	params.QueueDepth = queueDepth
	params.LogicalBlockSize = blockSize

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device, err := ublk.CreateAndServe(ctx, params, &ublk.Options{Context: ctx})
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}

	logger.Info("serving encrypted mapping",
		"block_device", device.Path,
		"char_device", device.CharPath,
		"cipher", tableLine)
	fmt.Printf("Device created: %s\n", device.Path)
	fmt.Println("Press Ctrl+C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := ublk.StopAndDelete(stopCtx, device); err != nil {
		return fmt.Errorf("stop device: %w", err)
	}
	return nil
}

// openBackend opens path as a file-backed Backend, or, for the special
// "memory:<bytes>" form, an in-memory one — useful for smoke-testing a
// table line without a real disk or image file.
func openBackend(path string, size int64) (ublk.Backend, error) {
	if n, ok := parseMemorySpec(path); ok {
		return backend.NewMemory(n), nil
	}
	return backend.OpenFile(path, size)
}

func parseMemorySpec(path string) (int64, bool) {
	const prefix = "memory:"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(path[len(prefix):], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
