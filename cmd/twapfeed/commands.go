package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/app/feeder"
	"github.com/fetchoracle/twapfeed/app/feeder/types"
	"github.com/fetchoracle/twapfeed/pkg/checkpoint"
	"github.com/fetchoracle/twapfeed/pkg/config"
	"github.com/fetchoracle/twapfeed/pkg/logging"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve prices over HTTP",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			ctx := c.Context()
			app := feeder.Initialize(ctx)

			serverErr := feeder.NewServer(app)
			if serverErr != nil {
				app.Logger.Fatal("Unable to initialize server", zap.Error(serverErr))
			}

			app.Start(ctx)
		},
	}
}

// oneShot builds the feeder without the background refresher and runs fn.
func oneShot(ctx context.Context, fn func(app *types.App) error) error {
	logger, err := logging.New()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.RefreshEnabled = false

	app, err := feeder.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Stop()
	return fn(app)
}

func printJSON(c *cobra.Command, v interface{}) error {
	return json.NewEncoder(c.OutOrStdout()).Encode(v)
}

func priceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "price <currency>",
		Short: "Compute one TWAP and update its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return oneShot(c.Context(), func(app *types.App) error {
				if _, ok := app.Engine.Pair(args[0]); !ok {
					return fmt.Errorf("currency %q is not configured", args[0])
				}
				res, ok := app.Engine.Price(c.Context(), args[0])
				if !ok {
					return errors.New("price unavailable, see log")
				}
				return printJSON(c, res)
			})
		},
	}
}

type checkpointLine struct {
	Pair string `json:"pair"`
	checkpoint.Record
}

func checkpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset stored accumulator snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [pair]",
		Short: "Print one checkpoint (e.g. WPLS/DAI) or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return oneShot(c.Context(), func(app *types.App) error {
				if len(args) == 1 {
					snap, ok, err := app.Engine.Checkpoint(c.Context(), args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("no checkpoint for %s", args[0])
					}
					return printJSON(c, checkpointLine{Pair: strings.ToUpper(args[0]), Record: checkpoint.ToRecord(snap)})
				}

				all, err := app.Engine.Checkpoints(c.Context())
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					if err := printJSON(c, checkpointLine{Pair: k, Record: checkpoint.ToRecord(all[k])}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <pair>",
		Short: "Delete a checkpoint so the pair bootstraps again",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return oneShot(c.Context(), func(app *types.App) error {
				return app.Engine.ResetCheckpoint(c.Context(), args[0])
			})
		},
	})

	return cmd
}
