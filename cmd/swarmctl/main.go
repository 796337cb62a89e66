// swarmit testbed controller
// Main entry point for the swarm testbed controller service (C8).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmit/testbed-controller/internal/adapter"
	"github.com/swarmit/testbed-controller/internal/adapter/cloud"
	"github.com/swarmit/testbed-controller/internal/adapter/edge"
	"github.com/swarmit/testbed-controller/internal/config"
	"github.com/swarmit/testbed-controller/internal/controller"
	"github.com/swarmit/testbed-controller/internal/firmwarecache"
	"github.com/swarmit/testbed-controller/internal/logging"
	"github.com/swarmit/testbed-controller/internal/protocol"
	"github.com/swarmit/testbed-controller/internal/registry"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "swarmctl",
		Short: "swarmit testbed controller",
		Long:  "Controller for the swarmit swarm robotics testbed. Dispatches commands and firmware to devices over a local gateway daemon or MQTT broker.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	monitorTimeout float64
	monitorForever bool
	monitorCmd     = &cobra.Command{
		Use:   "monitor",
		Short: "Attach to the device event log stream",
		RunE:  runMonitor,
	}

	statusWatch   bool
	statusTimeout float64
	statusCmd     = &cobra.Command{
		Use:   "status",
		Short: "Print a table snapshot of known devices",
		RunE:  runStatus,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("swarmctl v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/swarmit/controller.yaml", "Configuration file path")
	monitorCmd.Flags().BoolVar(&monitorForever, "follow", true, "block until interrupted instead of returning after --timeout")
	monitorCmd.Flags().Float64Var(&monitorTimeout, "timeout", 30, "seconds to watch before returning when --follow=false")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "refresh the table every second until interrupted or --timeout elapses")
	statusCmd.Flags().Float64Var(&statusTimeout, "timeout", 0, "seconds to watch before returning; 0 means until interrupted")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runController(cmd *cobra.Command, args []string) error {
	ctrl, log, cleanup, err := buildController()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	sig := <-sigChan
	log.Info("received signal, shutting down", "signal", sig.String())

	if err := ctrl.Terminate(); err != nil {
		log.Error("error during shutdown", "err", err)
	}

	log.Info("shutdown complete")
	return nil
}

// runMonitor attaches to the running mesh's event stream and logs
// EVENT_LOG/EVENT_GPIO frames until interrupted or --timeout elapses
// (spec §4.6 monitor()).
func runMonitor(cmd *cobra.Command, args []string) error {
	ctrl, log, cleanup, err := buildController()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	go func() {
		sig := <-sigChan
		log.Info("received signal, stopping monitor", "signal", sig.String())
		cancel()
	}()

	timeout := time.Duration(monitorTimeout * float64(time.Second))
	if err := ctrl.Monitor(ctx, monitorForever, timeout); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	return ctrl.Terminate()
}

// runStatus prints a table snapshot of the registry (spec §4.6 status()).
// With --watch it refreshes every second until interrupted or --timeout
// elapses; table formatting is a CLI presentation concern kept out of
// Controller, which exposes only the underlying snapshot data.
func runStatus(cmd *cobra.Command, args []string) error {
	ctrl, _, cleanup, err := buildController()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Terminate()

	printStatusTable(ctrl.Status())
	if !statusWatch {
		return nil
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var deadline time.Time
	if statusTimeout > 0 {
		deadline = time.Now().Add(time.Duration(statusTimeout * float64(time.Second)))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			printStatusTable(ctrl.Status())
			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil
			}
		}
	}
}

func printStatusTable(snapshots []registry.Snapshot) {
	fmt.Printf("%-10s %-10s %-12s %-8s %-8s %-8s\n", "ADDRESS", "TYPE", "STATUS", "BATT_MV", "POS_X", "POS_Y")
	for _, s := range snapshots {
		fmt.Printf("%-10s %-10s %-12s %-8d %-8d %-8d\n",
			protocol.FormatAddress(s.Address), s.DeviceType, s.Status, s.BatteryMV, s.PosX, s.PosY)
	}
}

// buildController loads config and wires a Controller exactly as
// runController/runMonitor need it. The returned cleanup func closes the
// firmware cache; callers still own calling ctrl.Terminate() themselves.
func buildController() (*controller.Controller, *logging.Logger, func(), error) {
	f, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	settings, err := f.Resolve()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to resolve config: %w", err)
	}

	log := logging.New(settings.Logging, "0.1.0")

	gw, err := buildAdapter(settings, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build gateway adapter: %w", err)
	}

	ctrl := controller.New(gw, log, settings.OTAAckTimeout, settings.OTAMaxRetries)

	cache, err := firmwarecache.Open(settings.FirmwareCachePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open firmware cache: %w", err)
	}
	ctrl.SetCatalog(cache)

	log.Info("swarmit controller configured", "adapter", settings.AdapterKind, "restricted_devices", len(settings.Devices))
	return ctrl, log, func() { cache.Close() }, nil
}

func buildAdapter(settings config.Settings, log *logging.Logger) (adapter.Adapter, error) {
	switch settings.AdapterKind {
	case "cloud":
		return cloud.New(settings.Cloud, log), nil
	default:
		return edge.New(settings.Edge, log), nil
	}
}
