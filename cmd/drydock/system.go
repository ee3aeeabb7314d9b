package main

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"drydock/pkg/system"
)

var systemCmd = &cobra.Command{
	Use:   "system COMMAND",
	Short: "Inspect and manage the runtime as a whole",
}

var systemInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print runtime and host information",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, mgr, err := newManager()
		if err != nil {
			return err
		}
		info, err := system.CollectInfo(cfg, mgr)
		if err != nil {
			return err
		}

		fmt.Printf("Version: %s\n", info.Version)
		fmt.Printf("Storage Root: %s\n", info.StorageRoot)
		fmt.Printf("Isolation: %s\n", info.Isolation)
		fmt.Printf("Containers: %d\n", info.Containers)
		fmt.Printf(" Running: %d\n", info.ContainersRunning)
		fmt.Printf(" Stopped: %d\n", info.ContainersStopped)
		fmt.Printf("Images: %d\n", info.Images)
		fmt.Printf("Volumes: %d\n", info.Volumes)
		fmt.Printf("Layers: %d\n", info.Layers)
		fmt.Printf("Operating System: %s\n", info.OperatingSystem)
		fmt.Printf("Kernel Version: %s\n", info.KernelVersion)
		fmt.Printf("Architecture: %s\n", info.Architecture)
		fmt.Printf("CPUs: %d\n", info.NCPU)
		fmt.Printf("Runtime Memory: %.1f MB\n", info.MemoryUsageMB)
		fmt.Printf("Name: %s\n", info.Hostname)
		return nil
	},
}

var systemDfCmd = &cobra.Command{
	Use:   "df",
	Short: "Show storage usage by images, containers, volumes and layers",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, mgr, err := newManager()
		if err != nil {
			return err
		}
		rows, err := system.CollectDiskUsage(cfg, mgr)
		if err != nil {
			return err
		}

		fmt.Printf("%-16s %-8s %-8s %-12s %s\n", "TYPE", "TOTAL", "ACTIVE", "SIZE", "RECLAIMABLE")
		for _, row := range rows {
			fmt.Printf("%-16s %-8d %-8d %-12s %s\n",
				row.Type,
				row.Count,
				row.Active,
				units.HumanSize(float64(row.Size)),
				units.HumanSize(float64(row.Reclaimable)))
		}
		return nil
	},
}

var pruneVolumes bool

var systemPruneCmd = &cobra.Command{
	Use:   "prune [flags]",
	Short: "Remove stopped containers, unreferenced layers and optionally unused volumes",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, mgr, err := newManager()
		if err != nil {
			return err
		}
		result, err := system.Prune(cmd.Context(), cfg, mgr, pruneVolumes)
		if err != nil {
			return err
		}

		for _, id := range result.ContainersDeleted {
			fmt.Printf("Deleted container: %s\n", displayID(id, false))
		}
		for _, name := range result.VolumesDeleted {
			fmt.Printf("Deleted volume: %s\n", name)
		}
		if result.LayersDeleted > 0 {
			fmt.Printf("Deleted layers: %d\n", result.LayersDeleted)
		}
		fmt.Printf("Total reclaimed space: %s\n", units.HumanSize(float64(result.SpaceReclaimed)))
		return nil
	},
}

func init() {
	systemPruneCmd.Flags().BoolVar(&pruneVolumes, "volumes", false, "Also remove volumes no container references")

	systemCmd.AddCommand(systemInfoCmd)
	systemCmd.AddCommand(systemDfCmd)
	systemCmd.AddCommand(systemPruneCmd)
	rootCmd.AddCommand(systemCmd)
}
