package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/galleryspider/internal/app"
	"github.com/JakeFAU/galleryspider/internal/gallery"
)

func newDownloadCmd() *cobra.Command {
	var (
		exportDir string
		parallel  int
	)
	cmd := &cobra.Command{
		Use:   "download gid:token [gid:token...]",
		Short: "Downloads every page of the given galleries",
		Long: `Holds each gallery in download mode until every page finished or failed.
Pages already present in the content store are not fetched again. With
--export-dir the finished pages are copied to <export-dir>/<gid>/.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]gallery.Ref, 0, len(args))
			for _, arg := range args {
				ref, err := app.ParseRef(arg)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if parallel <= 0 {
				parallel = appInstance.Config().Download.ParallelGalleries
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDownloads(ctx, appInstance, refs, exportDir, parallel, cmd)
		},
	}
	cmd.Flags().StringVar(&exportDir, "export-dir", "", "copy finished pages into this directory")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "galleries downloaded at once (default download.parallel_galleries)")
	return cmd
}

func runDownloads(
	ctx context.Context,
	a *app.App,
	refs []gallery.Ref,
	exportDir string,
	parallel int,
	cmd *cobra.Command,
) error {
	logger := a.Logger()
	// A failed gallery must not cancel its siblings, so the group carries no context.
	var g errgroup.Group
	g.SetLimit(parallel)
	results := make([]app.DownloadResult, len(refs))
	errs := make([]error, len(refs))
	for i, ref := range refs {
		g.Go(func() error {
			res, err := a.Download(ctx, ref, exportDir)
			if err != nil {
				logger.Error("gallery download failed", zap.Stringer("gallery", ref), zap.Error(err))
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	for _, res := range results {
		if res.Pages == 0 {
			continue
		}
		cmd.Printf("%d: %d/%d pages finished, %d failed, %d exported\n",
			res.Ref.ID, res.Finished, res.Pages, len(res.Failed), len(res.Exported))
	}
	return errors.Join(errs...)
}
