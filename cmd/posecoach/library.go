package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/spf13/cobra"
)

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage reference videos",
	}
	cmd.AddCommand(newLibraryAddCommand(ctx))
	cmd.AddCommand(newLibraryListCommand(ctx))
	cmd.AddCommand(newLibraryIndexCommand(ctx))
	return cmd
}

func newLibraryAddCommand(ctx *commandContext) *cobra.Command {
	var name string
	var index bool

	cmd := &cobra.Command{
		Use:   "add <video>",
		Short: "Register a reference video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := media.ValidateVideoName(path); err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.ffmpeg.Probe(cmd.Context(), path)
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			ref, err := a.registry.Register(cmd.Context(), library.Reference{
				Name:       name,
				VideoPath:  path,
				FrameCount: info.FrameCount,
				FPS:        info.FPS,
				Width:      info.Width,
				Height:     info.Height,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", ref.ID, ref.Name)

			if index {
				indexed, err := a.indexer.Index(cmd.Context(), ref.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d frames, %d with a pose\n", indexed.Poses.Len(), indexed.Poses.Detected())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the file name)")
	cmd.Flags().BoolVar(&index, "index", false, "Extract and cache the reference poses now")
	return cmd
}

func newLibraryListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reference videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			registry, err := library.OpenSQLite(cfg.LibraryDBPath())
			if err != nil {
				return err
			}
			defer registry.Close()

			refs, err := registry.List(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(refs)
			}
			if len(refs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No reference videos registered")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), referenceTable(refs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	return cmd
}

func newLibraryIndexCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "index <id>",
		Short: "Re-extract and cache the poses of a reference video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			indexed, err := a.indexer.Index(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %s: %d frames, %d with a pose\n", indexed.Reference.Name, indexed.Poses.Len(), indexed.Poses.Detected())
			return nil
		},
	}
}

func referenceTable(refs []library.Reference) string {
	rows := make([][]string, 0, len(refs))
	for _, ref := range refs {
		indexed := "no"
		if ref.Indexed {
			indexed = "yes"
		}
		rows = append(rows, []string{
			ref.ID,
			ref.Name,
			strconv.Itoa(ref.FrameCount),
			strconv.FormatFloat(ref.FPS, 'f', 2, 64),
			fmt.Sprintf("%dx%d", ref.Width, ref.Height),
			indexed,
			ref.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Frames", "FPS", "Size", "Indexed", "Added"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
	)
}
