package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"drydock/pkg/build"
	"drydock/pkg/image"
)

var pullCmd = &cobra.Command{
	Use:   "pull IMAGE",
	Short: "Download an image from a registry",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		meta, err := mgr.Images().Pull(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Pulled %s\n", image.NormalizeRef(args[0]))
		fmt.Printf("Image ID: %s\n", displayID(meta.ID, false))
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push IMAGE",
	Short: "Upload an image to a registry",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		pushed, err := mgr.Images().Push(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Pushed %s\n", image.NormalizeRef(args[0]))
		fmt.Printf("Digest: %s\n", pushed)
		return nil
	},
}

var imagesOpts struct {
	quiet   bool
	noTrunc bool
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List local images",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		summaries, err := mgr.Images().List()
		if err != nil {
			return err
		}

		if imagesOpts.quiet {
			for _, s := range summaries {
				fmt.Println(displayID(s.ID, imagesOpts.noTrunc))
			}
			return nil
		}

		fmt.Printf("%-24s %-16s %-14s %-16s %s\n",
			"REPOSITORY", "TAG", "IMAGE ID", "CREATED", "SIZE")
		for _, s := range summaries {
			size := units.HumanSize(float64(s.Size))
			created := units.HumanDuration(time.Since(s.Created)) + " ago"
			id := displayID(s.ID, imagesOpts.noTrunc)

			if len(s.RepoTags) == 0 {
				fmt.Printf("%-24s %-16s %-14s %-16s %s\n", "<none>", "<none>", id, created, size)
				continue
			}
			for _, ref := range s.RepoTags {
				repo, tag := splitRepoTag(ref)
				fmt.Printf("%-24s %-16s %-14s %-16s %s\n", repo, tag, id, created, size)
			}
		}
		return nil
	},
}

var rmiForce bool

var rmiCmd = &cobra.Command{
	Use:   "rmi [flags] IMAGE [IMAGE...]",
	Short: "Remove images",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		for _, ref := range args {
			result, err := mgr.Images().Remove(ref, rmiForce)
			if err != nil {
				return err
			}
			for _, untagged := range result.Untagged {
				fmt.Printf("Untagged: %s\n", untagged)
			}
			if result.Deleted != "" {
				fmt.Printf("Deleted: sha256:%s\n", result.Deleted)
			}
		}
		return nil
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag SOURCE_IMAGE TARGET_IMAGE",
	Short: "Add a tag to an image",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		return mgr.Images().Tag(args[0], args[1])
	},
}

var buildOpts struct {
	tag       string
	file      string
	noCache   bool
	buildArgs []string
}

var buildCmd = &cobra.Command{
	Use:   "build [flags] PATH",
	Short: "Build an image from a Dockerfile",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, mgr, err := newManager()
		if err != nil {
			return err
		}

		buildArgs := make(map[string]string, len(buildOpts.buildArgs))
		for _, kv := range buildOpts.buildArgs {
			key, value, found := strings.Cut(kv, "=")
			if !found || key == "" {
				return usageError{fmt.Errorf("invalid build argument %q, expected KEY=VALUE", kv)}
			}
			buildArgs[key] = value
		}

		builder, err := build.NewBuilder(cfg, mgr.Images(), mgr.Layers(), mgr.Supervisor())
		if err != nil {
			return err
		}
		_, err = builder.Build(cmd.Context(), build.Options{
			ContextDir: args[0],
			Dockerfile: buildOpts.file,
			Tag:        buildOpts.tag,
			BuildArgs:  buildArgs,
			NoCache:    buildOpts.noCache,
			Output:     os.Stdout,
		})
		return err
	},
}

func splitRepoTag(ref string) (string, string) {
	if idx := strings.LastIndex(ref, ":"); idx > strings.LastIndex(ref, "/") {
		return ref[:idx], ref[idx+1:]
	}
	return ref, "<none>"
}

func init() {
	imagesCmd.Flags().BoolVarP(&imagesOpts.quiet, "quiet", "q", false, "Only print image ids")
	imagesCmd.Flags().BoolVar(&imagesOpts.noTrunc, "no-trunc", false, "Do not truncate output")

	rmiCmd.Flags().BoolVarP(&rmiForce, "force", "f", false, "Remove even when referenced by multiple tags")

	buildCmd.Flags().StringVarP(&buildOpts.tag, "tag", "t", "", "Tag for the built image")
	buildCmd.Flags().StringVarP(&buildOpts.file, "file", "f", "", "Dockerfile path (default PATH/Dockerfile)")
	buildCmd.Flags().BoolVar(&buildOpts.noCache, "no-cache", false, "Execute every step even when cached")
	buildCmd.Flags().StringArrayVar(&buildOpts.buildArgs, "build-arg", nil, "Build argument KEY=VALUE")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(rmiCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(buildCmd)
}
