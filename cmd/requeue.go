package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/filtering"
	"github.com/spigell/mostaql-notifier/internal/logger"
	"github.com/spigell/mostaql-notifier/internal/store"
)

const (
	PromptRequeueAll          = "Requeue all listed jobs"
	PromptResetAttempts       = "Reset attempts"
	PromptReleaseNotification = "Release notification reservation"
	PromptAppendToExcludeFile = "Append to exclude file"
	PromptBack                = "back"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Put failed and parked jobs back into the pipeline",
	Run: func(cmd *cobra.Command, _ []string) {
		requeue(cmd)
	},
}

func init() {
	rootCmd.AddCommand(requeueCmd)

	requeueCmd.Flags().BoolP("all", "a", false, "requeue every failed job without asking")
	requeueCmd.Flags().Bool("release-notification", false, "also release pending notification reservations (only when the message was not delivered)")
}

func requeue(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := logger.New(cmd.Name(), viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	config, err := getConfig(viper.GetViper())
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	dsn, err := config.databaseURL()
	if err != nil {
		logger.Fatal("loading the database url", zap.Error(err))
	}
	if dsn == "" {
		logger.Fatal("requeue needs the persistent store", zap.String("hint", "set DATABASE_URL or database.url-file"))
	}

	st, err := connectPostgres(ctx, dsn, config.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer st.Close()

	all, _ := cmd.Flags().GetBool("all")
	release, _ := cmd.Flags().GetBool("release-notification")

	r := &requeuer{
		store:       st,
		maxAttempts: config.Pipeline.MaxAttempts,
		release:     release,
		excludeFile: config.ExcludeFile,
		logger:      logger,
	}

	if err := r.run(ctx, all); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

type requeuer struct {
	store       store.Store
	maxAttempts int
	release     bool
	excludeFile string
	logger      *zap.Logger
}

func (r *requeuer) run(ctx context.Context, all bool) error {
	for {
		jobs, err := failedJobs(ctx, r.store)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			r.logger.Info("exiting", zap.String("reason", "no failed jobs"))
			return nil
		}
		r.logger.Info("current list of failed jobs", zap.Int("count", len(jobs)))

		if all {
			return r.requeueAll(ctx, jobs)
		}

		items := make([]string, 0, len(jobs)+2)
		for _, job := range jobs {
			items = append(items, r.label(job))
		}
		items = append(items, PromptRequeueAll, PromptBack)

		jobPrompt := promptui.Select{
			Label: "Choose a job and press ENTER",
			Items: items,
			Size:  15,
		}
		idx, selected, err := jobPrompt.Run()
		if err != nil {
			return err
		}

		switch selected {
		case PromptBack:
			return nil
		case PromptRequeueAll:
			return r.requeueAll(ctx, jobs)
		default:
			if err := r.handleJob(ctx, jobs[idx]); err != nil {
				return err
			}
		}
	}
}

func (r *requeuer) label(job *domain.Job) string {
	parked := ""
	if r.maxAttempts > 0 && job.Attempts >= r.maxAttempts {
		parked = " [parked]"
	}
	return fmt.Sprintf("%s %s (%d attempts)%s / %s / %s",
		job.ID, job.Stage, job.Attempts, parked, job.Title, job.URL,
	)
}

func (r *requeuer) handleJob(ctx context.Context, job *domain.Job) error {
	items := []string{PromptResetAttempts}
	if job.Stage == domain.StageFailedNotified {
		items = append(items, PromptReleaseNotification)
	}
	if r.excludeFile != "" {
		items = append(items, PromptAppendToExcludeFile)
	}

	actionPrompt := promptui.Select{
		Label: fmt.Sprintf("Job %s", job.ID),
		Items: append(items, PromptBack),
	}
	_, action, err := actionPrompt.Run()
	if err != nil {
		return err
	}

	switch action {
	case PromptBack:
		return nil
	case PromptResetAttempts:
		return r.reset(ctx, job)
	case PromptReleaseNotification:
		confirm := promptui.Prompt{
			Label:     "Was the message really not delivered",
			IsConfirm: true,
		}
		if _, err := confirm.Run(); err != nil {
			r.logger.Info("reservation kept", zap.String("job_id", job.ID))
			return nil
		}
		if err := r.releaseNotification(ctx, job); err != nil {
			return err
		}
		return r.reset(ctx, job)
	case PromptAppendToExcludeFile:
		return r.exclude(job)
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

func (r *requeuer) requeueAll(ctx context.Context, jobs []*domain.Job) error {
	for _, job := range jobs {
		if r.release && job.Stage == domain.StageFailedNotified {
			if err := r.releaseNotification(ctx, job); err != nil {
				return err
			}
		}
		if err := r.reset(ctx, job); err != nil {
			return err
		}
	}
	r.logger.Info("requeued jobs", zap.Int("count", len(jobs)))
	return nil
}

func (r *requeuer) reset(ctx context.Context, job *domain.Job) error {
	if err := r.store.ResetAttempts(ctx, job.ID); err != nil {
		return fmt.Errorf("reset attempts of %s: %w", job.ID, err)
	}
	r.logger.Info("job requeued", zap.String("job_id", job.ID), zap.String("stage", string(job.Stage)))
	return nil
}

// releaseNotification only touches reservations left pending by a crash.
func (r *requeuer) releaseNotification(ctx context.Context, job *domain.Job) error {
	rec, err := r.store.Notification(ctx, job.ID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != domain.NotificationPending {
		return nil
	}

	if err := r.store.ReleaseNotification(ctx, job.ID); err != nil {
		return fmt.Errorf("release notification of %s: %w", job.ID, err)
	}
	r.logger.Warn("notification reservation released, the job may be sent again", zap.String("job_id", job.ID))
	return nil
}

func (r *requeuer) exclude(job *domain.Job) error {
	excluded, err := filtering.ReadExcludedJobs(r.excludeFile)
	if err != nil {
		return err
	}
	excluded.Append(filtering.Exclude(job))
	if err := excluded.ToFile(r.excludeFile); err != nil {
		return err
	}
	r.logger.Info("appended to exclude file", zap.String("filename", r.excludeFile), zap.String("job_id", job.ID))
	return nil
}

// failedJobs lists every job sitting in a failure stage, grouped by stage
// and oldest first within each.
func failedJobs(ctx context.Context, st store.Store) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for _, stage := range domain.FailedStages {
		for ref, err := range st.JobsInStage(ctx, stage, 0) {
			if err != nil {
				return nil, fmt.Errorf("list %s jobs: %w", stage, err)
			}
			job, err := st.GetJob(ctx, ref.ID)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
