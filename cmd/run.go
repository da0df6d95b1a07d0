package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/progress"
	"github.com/JakeFAU/contact-harvester/internal/progress/sinks"
	"github.com/JakeFAU/contact-harvester/internal/server"
)

type runFlags struct {
	partitions []string
	categories []string
	minQuality float64
	pageSize   int
	delay      time.Duration
	maxTasks   int
	noProgress bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one batch in the foreground",
		Long: `Starts a batch over the given partitions and blocks until it finishes.
Interrupting the command stops the batch gracefully; rerunning the same
command resumes from the saved checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&f.partitions, "partition", "p", nil, "partition to crawl, in order (repeatable)")
	flags.StringSliceVar(&f.categories, "category", nil, "only tasks in these categories")
	flags.Float64Var(&f.minQuality, "min-quality", 0, "minimum quality score")
	flags.IntVar(&f.pageSize, "page-size", 0, "tasks per page (default from config)")
	flags.DurationVar(&f.delay, "delay", 0, "pause between task admissions (default from config)")
	flags.IntVar(&f.maxTasks, "max-tasks", 0, "cap on tasks across all partitions (0 = no cap)")
	flags.BoolVar(&f.noProgress, "no-progress", false, "disable the terminal progress bar")
	_ = cmd.MarkFlagRequired("partition")
	return cmd
}

func (f runFlags) options() crawler.BatchOptions {
	return crawler.BatchOptions{
		Categories:      f.categories,
		MinQualityScore: f.minQuality,
		PageSize:        f.pageSize,
		InterTaskDelay:  f.delay,
		MaxTasks:        f.maxTasks,
	}
}

func runBatch(cmd *cobra.Command, f runFlags) (err error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	logger := e.logger.Named("run")

	out := io.Writer(os.Stderr)
	if f.noProgress {
		out = io.Discard
	}
	bar := newBatchBar(out)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, e.cfg, e.logger, server.WithSinks(sinks.NewCallbackSink("", bar.observe)))
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, app.Close(closeCtx))
	}()

	sched := app.Scheduler()
	batchID, err := sched.Start(ctx, f.partitions, f.options())
	if err != nil {
		return fmt.Errorf("start batch: %w", err)
	}
	logger.Info("batch running", zap.String("batch_id", batchID))

	status, err := sched.Wait(ctx, batchID)
	if err != nil && errors.Is(err, context.Canceled) {
		logger.Info("interrupt received, stopping batch", zap.String("batch_id", batchID))
		if serr := sched.Stop(context.Background(), batchID); serr != nil {
			logger.Warn("stop batch", zap.Error(serr))
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Scheduler.StopDrainTimeout+time.Minute)
		defer cancel()
		status, err = sched.Wait(drainCtx, batchID)
	}
	bar.finish()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "batch %s %s: %d completed, %d failed of %d\n",
		status.BatchID, status.Status, status.CompletedTasks, status.FailedTasks, status.TotalTasks)
	if status.Status == crawler.BatchStatusFailed {
		return fmt.Errorf("batch %s failed: %s", status.BatchID, status.Error)
	}
	return nil
}

// batchBar renders progress events for a single foreground batch.
type batchBar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newBatchBar(w io.Writer) *batchBar {
	return &batchBar{bar: progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("tasks"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)}
}

func (b *batchBar) observe(evt progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch evt.Stage {
	case progress.StageBatchStart:
		b.bar.ChangeMax(evt.Total)
		b.bar.Describe("crawling")
	case progress.StageTaskDone, progress.StageTaskFailed:
		if evt.Partition != "" {
			b.bar.Describe(evt.Partition)
		}
		_ = b.bar.Add(1)
	case progress.StageRotation:
		b.bar.Describe("rotated egress")
	case progress.StageBatchDone, progress.StageBatchStopped, progress.StageBatchError:
		b.bar.Describe(string(evt.Stage))
	}
}

func (b *batchBar) current() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.bar.State().CurrentNum)
}

func (b *batchBar) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.bar.Finish()
}
