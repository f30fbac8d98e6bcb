package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/chaz8081/gostt-daemon/internal/config"
	"github.com/chaz8081/gostt-daemon/internal/models"
)

func newModelsCmd(configPath *string) *cobra.Command {
	var modelsDir string

	storeFor := func(cmd *cobra.Command, opts models.StoreOptions) (*models.Store, error) {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		dir := cfg.ModelsDir
		if cmd.Flags().Changed("models-dir") {
			dir = config.ExpandTilde(modelsDir)
		}
		return models.NewStore(dir, opts), nil
	}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List or download ggml whisper models",
	}
	cmd.PersistentFlags().StringVar(&modelsDir, "models-dir", "", "directory holding ggml model files")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show known models and which are downloaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := storeFor(cmd, models.StoreOptions{})
			if err != nil {
				return err
			}
			return listModels(cmd.OutOrStdout(), store)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "download <id>...",
		Short: "Download models from HuggingFace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []models.Info
			seen := make(map[string]bool)
			for _, id := range args {
				m, err := models.Lookup(id)
				if err != nil {
					return err
				}
				if !seen[m.ID] {
					seen[m.ID] = true
					infos = append(infos, m)
				}
			}
			return downloadModels(cmd, infos, storeFor)
		},
	})
	return cmd
}

func listModels(w io.Writer, store *models.Store) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tFILE\tSIZE\tDOWNLOADED\n")
	for _, m := range models.All() {
		mark := ""
		if store.IsDownloaded(m) {
			mark = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d MB\t%s\n", m.ID, m.Filename, m.Size/(1024*1024), mark)
	}
	fmt.Fprintf(tw, "\nModels directory: %s\n", store.Dir())
	return tw.Flush()
}

func downloadModels(cmd *cobra.Command, infos []models.Info, storeFor func(*cobra.Command, models.StoreOptions) (*models.Store, error)) error {
	progress := mpb.New(
		mpb.WithOutput(cmd.ErrOrStderr()),
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)

	bars := make(map[string]*mpb.Bar, len(infos))
	for _, m := range infos {
		bars[m.ID] = progress.AddBar(m.Size,
			mpb.PrependDecorators(
				decor.Name(m.Filename, decor.WC{W: 28, C: decor.DidentRight}),
				decor.CountersKibiByte("% .2f / % .2f"),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WCSyncSpace),
				decor.Name(" ] "),
				decor.AverageSpeed(decor.UnitKiB, "% .2f"),
			),
		)
	}

	store, err := storeFor(cmd, models.StoreOptions{
		OnProgress: func(p models.Progress) {
			bar := bars[p.ID]
			if p.Done {
				bar.SetTotal(-1, true)
				return
			}
			if p.Total > 0 {
				bar.SetTotal(p.Total, false)
			}
			bar.SetCurrent(p.Written)
		},
	})
	if err != nil {
		for _, bar := range bars {
			bar.Abort(true)
		}
		progress.Wait()
		return err
	}

	var failed error
	for _, m := range infos {
		if err := store.Download(cmd.Context(), m); err != nil {
			bars[m.ID].Abort(false)
			if failed == nil {
				failed = err
			}
		}
	}
	progress.Wait()

	if failed != nil {
		return failed
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Models ready in %s\n", store.Dir())
	return nil
}
