package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/JakeFAU/contact-harvester/internal/clock/system"
	"github.com/JakeFAU/contact-harvester/internal/hash/sha256"
	"github.com/JakeFAU/contact-harvester/internal/scheduler"
	"github.com/JakeFAU/contact-harvester/internal/server"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspects or clears the resume point of a batch request",
		Long: `Checkpoints are keyed by the batch request: its partitions in order and
its filters. Pass the same flags as to "run" to address one.`,
	}
	cmd.AddCommand(newCheckpointShowCmd(), newCheckpointClearCmd())
	return cmd
}

func addRequestFlags(cmd *cobra.Command, f *runFlags) {
	flags := cmd.Flags()
	flags.StringSliceVarP(&f.partitions, "partition", "p", nil, "partition of the batch, in order (repeatable)")
	flags.StringSliceVar(&f.categories, "category", nil, "category filter of the batch")
	flags.Float64Var(&f.minQuality, "min-quality", 0, "minimum quality score of the batch")
	flags.IntVar(&f.pageSize, "page-size", 0, "page size of the batch (default from config)")
	flags.IntVar(&f.maxTasks, "max-tasks", 0, "task cap of the batch")
	_ = cmd.MarkFlagRequired("partition")
}

func newCheckpointShowCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Prints the checkpoint for a batch request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoint(cmd, f, func(ctx context.Context, s *server.Stores, key string) error {
				cp, err := s.Checkpoints.Load(ctx, key)
				if errors.Is(err, store.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "no checkpoint for key %s\n", key)
					return nil
				}
				if err != nil {
					return fmt.Errorf("load checkpoint: %w", err)
				}
				e, _ := resolveEnv(ctx)
				view := struct {
					Key            string `json:"key"`
					PartitionIndex int    `json:"partition_index"`
					Offset         int    `json:"offset"`
					TotalProcessed int    `json:"total_processed"`
					SnapshotAt     string `json:"snapshot_at"`
					Timestamp      string `json:"timestamp"`
					Fresh          bool   `json:"fresh"`
				}{
					Key:            cp.Key,
					PartitionIndex: cp.PartitionIndex,
					Offset:         cp.Offset,
					TotalProcessed: cp.TotalProcessed,
					SnapshotAt:     cp.SnapshotAt.UTC().Format(time.RFC3339),
					Timestamp:      cp.Timestamp.UTC().Format(time.RFC3339),
					Fresh:          cp.Fresh(system.New().Now(), e.cfg.Scheduler.CheckpointMaxAge),
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}
	addRequestFlags(cmd, &f)
	return cmd
}

func newCheckpointClearCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Deletes the checkpoint for a batch request so the next run starts over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoint(cmd, f, func(ctx context.Context, s *server.Stores, key string) error {
				if err := s.Checkpoints.Delete(ctx, key); err != nil {
					return fmt.Errorf("delete checkpoint: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared checkpoint %s\n", key)
				return nil
			})
		},
	}
	addRequestFlags(cmd, &f)
	return cmd
}

func withCheckpoint(
	cmd *cobra.Command,
	f runFlags,
	fn func(ctx context.Context, s *server.Stores, key string) error,
) (err error) {
	ctx := cmd.Context()
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	key, err := scheduler.CheckpointKey(sha256.New(), f.partitions, f.options(), e.cfg.Scheduler.PageSize)
	if err != nil {
		return err
	}
	stores, err := server.BuildStores(ctx, e.cfg, e.logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, stores.Close(context.WithoutCancel(ctx))) }()
	return fn(ctx, stores, key)
}
