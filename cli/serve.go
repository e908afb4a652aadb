package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"car.autorunner.dev/config"
	"car.autorunner.dev/tickets"
	"car.autorunner.dev/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub: HTTP API plus the periodic reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cfg, logger, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
		defer stop()

		if config.SkipUpdateChecks() {
			logger.Info("self-update integrity checks disabled by environment")
		}

		// Pre-construct every manifest repo so the inbox and reconciler see
		// them without waiting for first API contact.
		if svc.HubRoot() != "" {
			manifest, err := config.LoadManifest(svc.HubRoot())
			if err != nil {
				logger.WithError(err).Warn("failed to load hub manifest")
			} else {
				for _, entry := range manifest.Repos {
					if _, err := svc.Repo(manifest.RepoRoot(entry)); err != nil {
						logger.WithError(err).WithField("repo_id", entry.ID).
							Warn("failed to initialise repo services")
					}
				}
			}
		}

		group, groupCtx := errgroup.WithContext(ctx)
		server := web.NewServer(svc, cfg, logger)
		group.Go(func() error {
			logger.WithField("listen", cfg.Listen).Info("hub API listening")
			return server.Start(groupCtx)
		})
		for _, repo := range svc.Repos() {
			repo := repo
			group.Go(func() error {
				repo.Reconciler.RunLoop(groupCtx, tickets.FlowType, cfg.ReconcileInterval)
				return nil
			})
		}
		return group.Wait()
	},
}
