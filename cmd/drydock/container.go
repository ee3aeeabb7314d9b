package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/spf13/cobra"

	"drydock/pkg/container"
	"drydock/pkg/image"
	"drydock/pkg/network"
	"drydock/pkg/state"
	"drydock/pkg/supervisor"
	"drydock/pkg/volume"
)

var psOpts struct {
	all     bool
	quiet   bool
	noTrunc bool
}

var psCmd = &cobra.Command{
	Use:   "ps [flags]",
	Short: "List containers",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		summaries, err := mgr.List(psOpts.all)
		if err != nil {
			return err
		}

		if psOpts.quiet {
			for _, s := range summaries {
				fmt.Println(displayID(s.ID, psOpts.noTrunc))
			}
			return nil
		}

		fmt.Printf("%-14s %-20s %-24s %-16s %-24s %s\n",
			"CONTAINER ID", "IMAGE", "COMMAND", "CREATED", "STATUS", "NAMES")
		for _, s := range summaries {
			command := s.Command
			if !psOpts.noTrunc {
				command = truncate(command, 20)
			}
			fmt.Printf("%-14s %-20s %-24s %-16s %-24s %s\n",
				displayID(s.ID, psOpts.noTrunc),
				s.Image,
				fmt.Sprintf("%q", command),
				units.HumanDuration(time.Since(s.Created))+" ago",
				s.Status,
				s.Name)
		}
		return nil
	},
}

var rmOpts struct {
	force   bool
	volumes bool
}

var rmCmd = &cobra.Command{
	Use:   "rm [flags] CONTAINER [CONTAINER...]",
	Short: "Remove containers",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		for _, ref := range args {
			if err := mgr.Remove(cmd.Context(), ref, rmOpts.force, rmOpts.volumes); err != nil {
				return err
			}
			fmt.Println(ref)
		}
		return nil
	},
}

var logOpts struct {
	follow bool
	tail   int
}

var logsCmd = &cobra.Command{
	Use:   "logs [flags] CONTAINER",
	Short: "Print the output a container has produced",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		return mgr.Logs(cmd.Context(), args[0], os.Stdout, supervisor.LogOptions{
			Follow: logOpts.follow,
			Tail:   logOpts.tail,
		})
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect OBJECT [OBJECT...]",
	Short: "Print the full configuration of containers, images, volumes or networks",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}

		docs := make([]interface{}, 0, len(args))
		for _, ref := range args {
			doc, err := inspectAny(mgr, ref)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
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
	psCmd.Flags().BoolVarP(&psOpts.all, "all", "a", false, "Include stopped containers")
	psCmd.Flags().BoolVarP(&psOpts.quiet, "quiet", "q", false, "Only print container ids")
	psCmd.Flags().BoolVar(&psOpts.noTrunc, "no-trunc", false, "Do not truncate output")

	rmCmd.Flags().BoolVarP(&rmOpts.force, "force", "f", false, "Stop a running container before removing it")
	rmCmd.Flags().BoolVarP(&rmOpts.volumes, "volumes", "v", false, "Also remove the container's named volumes")

	logsCmd.Flags().BoolVarP(&logOpts.follow, "follow", "f", false, "Keep streaming new output")
	logsCmd.Flags().IntVar(&logOpts.tail, "tail", 0, "Only print the last N lines")

	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(inspectCmd)
}

func displayID(id string, noTrunc bool) string {
	if noTrunc || len(id) <= 12 {
		return id
	}
	return id[:12]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// inspectAny resolves ref against containers first, then images, volumes and
// networks, the way docker inspect does.
func inspectAny(mgr *container.Manager, ref string) (interface{}, error) {
	doc, err := mgr.Inspect(ref)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	if meta, err := mgr.Images().Get(ref); err == nil {
		return imageInspectDoc(mgr, meta)
	} else if !errors.Is(err, image.ErrNotFound) {
		return nil, err
	}

	if vol, err := mgr.Volumes().Get(ref); err == nil {
		return vol, nil
	} else if !errors.Is(err, volume.ErrNotFound) {
		return nil, err
	}

	if info, err := network.Inspect(ref); err == nil {
		return info, nil
	}

	return nil, fmt.Errorf("no such object: %s", ref)
}

type imageInspect struct {
	ID           string    `json:"Id"`
	RepoTags     []string  `json:"RepoTags"`
	Created      string    `json:"Created"`
	Architecture string    `json:"Architecture"`
	Os           string    `json:"Os"`
	Size         int64     `json:"Size"`
	Config       v1.Config `json:"Config"`
	RootFS       struct {
		Type   string   `json:"Type"`
		Layers []string `json:"Layers"`
	} `json:"RootFS"`
}

func imageInspectDoc(mgr *container.Manager, meta *image.Metadata) (*imageInspect, error) {
	configFile, err := mgr.Images().Config(meta.ID)
	if err != nil {
		return nil, err
	}
	tags, err := mgr.Store().RefsForImage(meta.ID)
	if err != nil {
		return nil, err
	}

	doc := &imageInspect{
		ID:           "sha256:" + meta.ID,
		RepoTags:     tags,
		Created:      meta.Created.UTC().Format(time.RFC3339Nano),
		Architecture: meta.Architecture,
		Os:           meta.OS,
		Size:         meta.Size,
		Config:       configFile.Config,
	}
	doc.RootFS.Type = "layers"
	doc.RootFS.Layers = meta.DiffIDs
	return doc, nil
}
