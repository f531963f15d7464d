package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueInvalidation: 6,
			QueueDefault:      1,
		},
	})
	mux := asynq.NewServeMux()
	registered := 0
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
		registered++
	}
	if registered == 0 {
		return nil, errors.New("worker: no task handlers")
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("worker: register %s: %w", entry.Task.Type(), err)
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	w.logger.Info("worker started")
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits invalidation tasks to the queue. It satisfies the
// rbac and users invalidator ports for processes that do not hold the caches.
type Client struct {
	client enqueuer
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// OnRolePermissionsChanged enqueues a role invalidation.
func (c *Client) OnRolePermissionsChanged(ctx context.Context, role string) error {
	task, err := NewRoleInvalidationTask(role)
	if err != nil {
		return fmt.Errorf("%w: %v", rbac.ErrInvalidRole, err)
	}
	return c.enqueue(ctx, task)
}

// OnUserPermissionsChanged enqueues a user grant invalidation.
func (c *Client) OnUserPermissionsChanged(ctx context.Context, userID int64) error {
	return c.enqueueUser(ctx, TaskInvalidateUserPermissions, users.Ref{ID: userID})
}

// OnUserChanged enqueues a user record invalidation.
func (c *Client) OnUserChanged(ctx context.Context, ref users.Ref) error {
	return c.enqueueUser(ctx, TaskInvalidateUser, ref)
}

// OnUserDeleted enqueues a deleted-user invalidation.
func (c *Client) OnUserDeleted(ctx context.Context, ref users.Ref) error {
	return c.enqueueUser(ctx, TaskInvalidateUserDeleted, ref)
}

// InvalidatePattern enqueues a pattern invalidation.
func (c *Client) InvalidatePattern(ctx context.Context, pattern string) error {
	task, err := NewPatternInvalidationTask(pattern)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// Reset enqueues a reset of every node's local caches.
func (c *Client) Reset(ctx context.Context) error {
	return c.enqueue(ctx, NewResetTask())
}

func (c *Client) enqueueUser(ctx context.Context, taskType string, ref users.Ref) error {
	task, err := NewUserInvalidationTask(taskType, UserPayload{UserID: ref.ID, Email: ref.Email, Username: ref.Username})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task) error {
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

var (
	_ rbac.Invalidator  = (*Client)(nil)
	_ users.Invalidator = (*Client)(nil)
)

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector queueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	h := &Handler{logger: logger}
	if inspector != nil {
		h.inspector = inspector
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.inspector == nil {
		_, _ = w.Write([]byte(`{"queue":"` + QueueInvalidation + `","pending":0,"retry":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueInvalidation)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	pending, retry := 0, 0
	queueName := QueueInvalidation
	if info != nil {
		pending = info.Pending
		retry = info.Retry
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + itoa(pending) + `,"retry":` + itoa(retry) + `}`))
}

func itoa(i int) string {
	return strconv.FormatInt(int64(i), 10)
}
