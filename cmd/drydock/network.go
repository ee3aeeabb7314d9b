package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"drydock/pkg/network"
)

var networkCmd = &cobra.Command{
	Use:   "network COMMAND",
	Short: "Inspect the host networking containers share",
}

var networkLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List networks",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("%-14s %-10s %-10s %s\n", "NETWORK ID", "NAME", "DRIVER", "SCOPE")
		for _, n := range network.List() {
			fmt.Printf("%-14s %-10s %-10s %s\n", displayID(n.ID, false), n.Name, n.Driver, n.Scope)
		}
		return nil
	},
}

var networkInspectCmd = &cobra.Command{
	Use:   "inspect NETWORK [NETWORK...]",
	Short: "Print network details",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs := make([]interface{}, 0, len(args))
		for _, ref := range args {
			info, err := network.Inspect(ref)
			if err != nil {
				return err
			}
			docs = append(docs, info)
		}
		data, err := json.MarshalIndent(docs, "", "    ")
		if err != nil {
			return fmt.Errorf("failed to encode inspect output: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	networkCmd.AddCommand(networkLsCmd)
	networkCmd.AddCommand(networkInspectCmd)
	rootCmd.AddCommand(networkCmd)
}
