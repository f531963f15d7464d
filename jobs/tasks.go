package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueInvalidation carries cache invalidation tasks ahead of other work.
	QueueInvalidation = "invalidation"
)

// Task types for cache invalidation.
const (
	TaskInvalidateRole            = "cache:invalidate:role"
	TaskInvalidateUser            = "cache:invalidate:user"
	TaskInvalidateUserPermissions = "cache:invalidate:user-permissions"
	TaskInvalidateUserDeleted     = "cache:invalidate:user-deleted"
	TaskInvalidatePattern         = "cache:invalidate:pattern"
	TaskInvalidateAll             = "cache:invalidate:all"
)

const (
	invalidationMaxRetry = 5
	invalidationTimeout  = 30 * time.Second
)

// RolePayload identifies a role whose permission set changed.
type RolePayload struct {
	Role string `json:"role"`
}

// UserPayload identifies a user record by id and its lookup aliases.
type UserPayload struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// PatternPayload carries a glob over cache keys.
type PatternPayload struct {
	Pattern string `json:"pattern"`
}

// NewRoleInvalidationTask builds a task evicting the role's permission set.
func NewRoleInvalidationTask(role string) (*asynq.Task, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, fmt.Errorf("jobs: role invalidation requires a role")
	}
	return newInvalidationTask(TaskInvalidateRole, RolePayload{Role: role})
}

// NewUserInvalidationTask builds a task for one of the user task types.
func NewUserInvalidationTask(taskType string, payload UserPayload) (*asynq.Task, error) {
	switch taskType {
	case TaskInvalidateUser, TaskInvalidateUserPermissions, TaskInvalidateUserDeleted:
	default:
		return nil, fmt.Errorf("jobs: %q is not a user invalidation task", taskType)
	}
	if payload.UserID <= 0 {
		return nil, fmt.Errorf("jobs: invalid user id %d", payload.UserID)
	}
	return newInvalidationTask(taskType, payload)
}

// NewPatternInvalidationTask builds a task evicting keys matching pattern.
func NewPatternInvalidationTask(pattern string) (*asynq.Task, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("jobs: pattern invalidation requires a pattern")
	}
	return newInvalidationTask(TaskInvalidatePattern, PatternPayload{Pattern: pattern})
}

// NewResetTask builds a task dropping every node's local caches.
func NewResetTask() *asynq.Task {
	return asynq.NewTask(TaskInvalidateAll, nil,
		asynq.Queue(QueueInvalidation), asynq.MaxRetry(invalidationMaxRetry), asynq.Timeout(invalidationTimeout))
}

func newInvalidationTask(taskType string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body,
		asynq.Queue(QueueInvalidation), asynq.MaxRetry(invalidationMaxRetry), asynq.Timeout(invalidationTimeout)), nil
}
