package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-cms/internal/invalidation"
	jobmetrics "github.com/odyssey-erp/odyssey-cms/internal/jobs"
	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Coordinator applies invalidations to the caches of this node and its peers.
type Coordinator interface {
	OnRolePermissionsChanged(ctx context.Context, role string) error
	OnUserPermissionsChanged(ctx context.Context, userID int64) error
	OnUserChanged(ctx context.Context, ref users.Ref) error
	OnUserDeleted(ctx context.Context, ref users.Ref) error
	InvalidatePattern(ctx context.Context, pattern string) error
	Reset(ctx context.Context) error
}

// InvalidationJob handles queued cache invalidation tasks.
type InvalidationJob struct {
	Coordinator Coordinator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewInvalidationJob wires the coordinator into a task handler.
func NewInvalidationJob(coordinator Coordinator, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvalidationJob {
	return &InvalidationJob{Coordinator: coordinator, Logger: logger, Metrics: metrics}
}

// Handlers lists the task types served by the job.
func (j *InvalidationJob) Handlers() []TaskHandler {
	types := []string{
		TaskInvalidateRole,
		TaskInvalidateUser,
		TaskInvalidateUserPermissions,
		TaskInvalidateUserDeleted,
		TaskInvalidatePattern,
		TaskInvalidateAll,
	}
	handlers := make([]TaskHandler, 0, len(types))
	for _, typ := range types {
		handlers = append(handlers, TaskHandler{Type: typ, Handler: j.Handle})
	}
	return handlers
}

// Handle applies one invalidation task. Malformed payloads are not retried.
// Partial failures are retried: every coordinator step is idempotent.
func (j *InvalidationJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Coordinator == nil {
		return errors.New("cache invalidation: handler not configured")
	}
	tracker := j.metrics().Track(t.Type())
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("task", t.Type()))
	err := j.dispatch(ctx, t)
	switch {
	case err == nil:
		j.metrics().AddInvalidation(t.Type(), false)
		logger.Debug("cache invalidation applied")
		return nil
	case isPermanent(err):
		logger.Warn("cache invalidation rejected", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		j.metrics().AddInvalidation(t.Type(), true)
		logger.Warn("cache invalidation partially applied", slog.Any("error", err))
		return err
	}
}

func (j *InvalidationJob) dispatch(ctx context.Context, t *asynq.Task) error {
	switch t.Type() {
	case TaskInvalidateRole:
		var payload RolePayload
		if err := decode(t, &payload); err != nil {
			return err
		}
		return j.Coordinator.OnRolePermissionsChanged(ctx, payload.Role)
	case TaskInvalidateUser, TaskInvalidateUserPermissions, TaskInvalidateUserDeleted:
		var payload UserPayload
		if err := decode(t, &payload); err != nil {
			return err
		}
		ref := users.Ref{ID: payload.UserID, Email: payload.Email, Username: payload.Username}
		switch t.Type() {
		case TaskInvalidateUserPermissions:
			return j.Coordinator.OnUserPermissionsChanged(ctx, payload.UserID)
		case TaskInvalidateUserDeleted:
			return j.Coordinator.OnUserDeleted(ctx, ref)
		default:
			return j.Coordinator.OnUserChanged(ctx, ref)
		}
	case TaskInvalidatePattern:
		var payload PatternPayload
		if err := decode(t, &payload); err != nil {
			return err
		}
		return j.Coordinator.InvalidatePattern(ctx, payload.Pattern)
	case TaskInvalidateAll:
		return j.Coordinator.Reset(ctx)
	default:
		return fmt.Errorf("%w: unknown task %q", errMalformedTask, t.Type())
	}
}

var errMalformedTask = errors.New("cache invalidation: malformed task")

func decode(t *asynq.Task, target any) error {
	if err := json.Unmarshal(t.Payload(), target); err != nil {
		return fmt.Errorf("%w: %v", errMalformedTask, err)
	}
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, errMalformedTask) ||
		errors.Is(err, rbac.ErrInvalidRole) ||
		errors.Is(err, invalidation.ErrInvalidPattern) ||
		errors.Is(err, invalidation.ErrInvalidUser)
}

func (j *InvalidationJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InvalidationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
