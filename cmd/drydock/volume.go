package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var volumeCmd = &cobra.Command{
	Use:   "volume COMMAND",
	Short: "Manage named volumes",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a named volume",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		vol, err := mgr.Volumes().Create(args[0])
		if err != nil {
			return err
		}
		fmt.Println(vol.Name)
		return nil
	},
}

var volumeLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List volumes",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		volumes, err := mgr.Volumes().List()
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %s\n", "DRIVER", "VOLUME NAME")
		for _, vol := range volumes {
			fmt.Printf("%-14s %s\n", vol.Driver, vol.Name)
		}
		return nil
	},
}

var volumeRmCmd = &cobra.Command{
	Use:   "rm NAME [NAME...]",
	Short: "Remove volumes",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		for _, name := range args {
			if err := mgr.Volumes().Remove(name); err != nil {
				return err
			}
			fmt.Println(name)
		}
		return nil
	},
}

var volumeInspectCmd = &cobra.Command{
	Use:   "inspect NAME [NAME...]",
	Short: "Print volume details",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		docs := make([]interface{}, 0, len(args))
		for _, name := range args {
			vol, err := mgr.Volumes().Get(name)
			if err != nil {
				return err
			}
			docs = append(docs, vol)
		}
		data, err := json.MarshalIndent(docs, "", "    ")
		if err != nil {
			return fmt.Errorf("failed to encode inspect output: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var volumePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove volumes no container references",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		removed, err := mgr.Volumes().Prune()
		if err != nil {
			return err
		}
		for _, name := range removed {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	volumeCmd.AddCommand(volumeCreateCmd)
	volumeCmd.AddCommand(volumeLsCmd)
	volumeCmd.AddCommand(volumeRmCmd)
	volumeCmd.AddCommand(volumeInspectCmd)
	volumeCmd.AddCommand(volumePruneCmd)
	rootCmd.AddCommand(volumeCmd)
}
