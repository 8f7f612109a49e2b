package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/orchestrator"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

const (
	reconcileInterval = 5 * time.Second
	tickTimeout       = 30 * time.Second
)

// Reconciler periodically compares every non-terminal model status against
// the scheduler's observed job state and applies the legal transition.
// Singleton mode guarantees a slow tick is never overlapped by the next one.
type Reconciler struct {
	manager *Manager
	cron    gocron.Scheduler
	logger  *zap.Logger
}

// NewReconciler creates a stopped Reconciler around the manager.
func NewReconciler(manager *Manager) (*Reconciler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("jobs: creating scheduler: %w", err)
	}
	return &Reconciler{
		manager: manager,
		cron:    s,
		logger:  manager.logger.Named("reconciler"),
	}, nil
}

// Start registers the 5-second tick and starts the scheduler.
func (r *Reconciler) Start() error {
	_, err := r.cron.NewJob(
		gocron.DurationJob(reconcileInterval),
		gocron.NewTask(r.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("jobs: registering reconciler: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reconciler started", zap.Duration("interval", reconcileInterval))
	return nil
}

// Stop shuts the scheduler down, waiting for a running tick to finish.
func (r *Reconciler) Stop() error {
	return r.cron.Shutdown()
}

func (r *Reconciler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	models, err := r.manager.models.ListNonTerminal(ctx)
	if err != nil {
		r.logger.Error("listing non-terminal models", zap.Error(err))
		return
	}
	if len(models) == 0 {
		return
	}

	allocations, err := r.manager.client.ListAllocations(ctx)
	if err != nil {
		// Scheduler down. Leave every status untouched rather than guessing.
		r.logger.Warn("scheduler unreachable, skipping tick", zap.Error(err))
		return
	}
	runningCPU := make(map[string]int)
	for _, alloc := range allocations {
		if alloc.Status == "running" {
			runningCPU[alloc.JobID] += alloc.CPUMhz
		}
	}

	for i := range models {
		model := &models[i]
		r.reconcileField(ctx, model, repositories.StatusFieldTrain, model.TrainStatus, model.TrainJobID)
		r.reconcileField(ctx, model, repositories.StatusFieldDeploy, model.DeployStatus, model.DeployJobID)
		r.accountUsage(ctx, model, runningCPU)
	}
}

// reconcileField applies the transition the scheduler's view dictates for one
// status column. Workflow models carry no job ids and are skipped.
func (r *Reconciler) reconcileField(ctx context.Context, model *db.Model, field string, status db.Status, jobID string) {
	switch status {
	case db.StatusStarting, db.StatusInProgress:
	case db.StatusComplete:
		// Only a live deployment can be demoted. A finished training job
		// disappearing from the scheduler is normal garbage collection.
		if field != repositories.StatusFieldDeploy || jobID == "" {
			return
		}
	default:
		return
	}

	if jobID == "" {
		if status == db.StatusStarting {
			r.apply(ctx, model, field, status, db.StatusFailed, "no scheduler job was recorded")
		}
		return
	}

	job, err := r.manager.client.GetJob(ctx, jobID)
	if errors.Is(err, orchestrator.ErrJobNotFound) {
		switch status {
		case db.StatusStarting:
			r.apply(ctx, model, field, status, db.StatusFailed, "scheduler has no record of the job")
		case db.StatusInProgress:
			r.apply(ctx, model, field, status, db.StatusFailed, "job disappeared from the scheduler")
		case db.StatusComplete:
			r.apply(ctx, model, field, status, db.StatusStopped, "scheduler no longer runs the deployment")
		}
		return
	}
	if err != nil {
		r.logger.Warn("fetching job state",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}

	switch job.Status {
	case "pending":
		// Placement in flight. starting stays starting for this tick only;
		// the next observation resolves it one way or the other.
	case "running":
		if status == db.StatusStarting {
			r.apply(ctx, model, field, status, db.StatusInProgress, "")
		}
	case "dead":
		switch status {
		case db.StatusStarting:
			r.apply(ctx, model, field, status, db.StatusFailed, "job died before starting")
		case db.StatusInProgress:
			r.apply(ctx, model, field, status, db.StatusFailed, "job exited without reporting completion")
		case db.StatusComplete:
			r.apply(ctx, model, field, status, db.StatusStopped, "scheduler reported the deployment dead")
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, model *db.Model, field string, from, to db.Status, message string) {
	if err := r.manager.transition(ctx, model.ID, field, from, to, message); err != nil {
		r.logger.Error("applying transition",
			zap.String("model_id", model.ID.String()),
			zap.String("field", field),
			zap.String("from", string(from)), zap.String("to", string(to)),
			zap.Error(err))
		return
	}
	if to == db.StatusFailed || to == db.StatusStopped {
		r.logger.Warn("demoted model status",
			zap.String("model_id", model.ID.String()),
			zap.String("field", field),
			zap.String("from", string(from)), zap.String("to", string(to)),
			zap.String("reason", message))
	}
}

// accountUsage charges one interval of cpu time for every running allocation
// belonging to the model's jobs. MHz are normalized to core-seconds.
func (r *Reconciler) accountUsage(ctx context.Context, model *db.Model, runningCPU map[string]int) {
	mhz := 0
	if model.TrainJobID != "" {
		mhz += runningCPU[model.TrainJobID]
	}
	if model.DeployJobID != "" {
		mhz += runningCPU[model.DeployJobID]
	}
	if mhz == 0 {
		return
	}

	cpuSeconds := int64(reconcileInterval.Seconds()) * int64(mhz) / 1000
	if cpuSeconds == 0 {
		cpuSeconds = 1
	}
	if err := r.manager.usage.Add(ctx, model.ID, 0, 0, cpuSeconds); err != nil {
		r.logger.Error("recording usage",
			zap.String("model_id", model.ID.String()), zap.Error(err))
	}
}
