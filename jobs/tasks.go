package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/testmode"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTestModeSweep removes expired test-mode session blobs. Expiry is
	// enforced lazily at read time; the sweep is storage hygiene.
	TaskTestModeSweep = "testmode:sweep"
	// TaskRoleReconcile re-derives capability flags from the grant table.
	TaskRoleReconcile = "roles:reconcile"
)

// RoleReconcilePayload narrows a reconcile run to a single user when set.
type RoleReconcilePayload struct {
	UserID int64 `json:"user_id,omitempty"`
}

// NewTestModeSweepTask constructs the sweep task.
func NewTestModeSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTestModeSweep, nil)
}

// NewRoleReconcileTask constructs a reconcile task. A zero userID means
// every user.
func NewRoleReconcileTask(userID int64) (*asynq.Task, error) {
	data, err := json.Marshal(RoleReconcilePayload{UserID: userID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleReconcile, data), nil
}

// TestModeSweepJob deletes expired test-mode sessions from redis.
type TestModeSweepJob struct {
	manager *testmode.Manager
	logger  *slog.Logger
}

// NewTestModeSweepJob constructs a TestModeSweepJob.
func NewTestModeSweepJob(manager *testmode.Manager, logger *slog.Logger) *TestModeSweepJob {
	return &TestModeSweepJob{manager: manager, logger: logger}
}

// Handle processes TaskTestModeSweep tasks.
func (j *TestModeSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	removed, err := j.manager.Sweep(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		j.logger.Info("test-mode sweep", slog.Int("removed", removed))
	}
	return nil
}

// ReconcileStore is the slice of the roles repository the reconcile job
// needs.
type ReconcileStore interface {
	UserIDs(ctx context.Context) ([]int64, error)
	Reconcile(ctx context.Context, userID int64) error
}

// RoleReconcileJob re-asserts the baseline viewer grant and recomputes
// capability flags so they converge back to the grant table.
type RoleReconcileJob struct {
	repo   ReconcileStore
	logger *slog.Logger
}

// NewRoleReconcileJob constructs a RoleReconcileJob.
func NewRoleReconcileJob(repo ReconcileStore, logger *slog.Logger) *RoleReconcileJob {
	return &RoleReconcileJob{repo: repo, logger: logger}
}

// Handle processes TaskRoleReconcile tasks.
func (j *RoleReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload RoleReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	if payload.UserID > 0 {
		if err := j.repo.Reconcile(ctx, payload.UserID); err != nil {
			if errors.Is(err, roles.ErrUserNotFound) {
				return asynq.SkipRetry
			}
			return err
		}
		return nil
	}

	ids, err := j.repo.UserIDs(ctx)
	if err != nil {
		return err
	}
	var failed int
	for _, id := range ids {
		if err := j.repo.Reconcile(ctx, id); err != nil {
			failed++
			j.logger.Warn("reconcile user", slog.Int64("user", id), slog.Any("error", err))
		}
	}
	j.logger.Info("role reconcile", slog.Int("users", len(ids)), slog.Int("failed", failed))
	return nil
}
