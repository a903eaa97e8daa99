package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/liuyao-bot/internal/server"
	"github.com/xaenox/liuyao-bot/internal/storage"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	var setWebhook bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive updates through the HTTP webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			b, tg, err := a.newBot(store)
			if err != nil {
				return err
			}

			if setWebhook {
				if a.cfg.Telegram.WebhookURL == "" {
					return errors.New("--set-webhook needs telegram.webhook_url")
				}
				if err := tg.SetWebhook(a.cfg.Telegram.WebhookURL); err != nil {
					return err
				}
			}

			return server.New(a.cfg.Server.Addr, b, tg, a.logger).Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&setWebhook, "set-webhook", false, "register telegram.webhook_url with Telegram before serving")
	return cmd
}

func newPollCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Receive updates through long polling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			b, tg, err := a.newBot(store)
			if err != nil {
				return err
			}
			if err := tg.DeleteWebhook(); err != nil {
				return err
			}

			updates := tg.Updates(a.cfg.Telegram.PollTimeout)
			go func() {
				<-ctx.Done()
				tg.StopUpdates()
			}()

			a.logger.Info("Polling for updates")
			if err := b.Poll(ctx, updates); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed the default tiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Database.UseInMemory {
				return errors.New("migrate needs a PostgreSQL database, database.use_in_memory is set")
			}
			store, err := a.openPostgres()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := migrateAndSeed(cmd.Context(), store, a.cfg.App.Env, a.logger); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date")
			return nil
		},
	}
}

func newGrantCmd(a *app) *cobra.Command {
	var platformID, tierID string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Activate a membership tier for a Telegram user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := store.GetOrCreateUser(ctx, platformID, "")
			if err != nil {
				return err
			}
			m, err := store.ActivateMembership(ctx, user.ID, tierID, time.Now())
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("unknown tier %q", tierID)
				}
				return err
			}

			a.logger.Info("Membership granted",
				zap.String("user_id", user.ID),
				zap.String("tier_id", tierID),
				zap.Time("end_time", m.EndTime))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s until %s\n",
				tierID, platformID, m.EndTime.Format(time.DateOnly))
			return nil
		},
	}
	cmd.Flags().StringVar(&platformID, "user", "", "Telegram user id")
	cmd.Flags().StringVar(&tierID, "tier", "vip1-month", "tier id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
