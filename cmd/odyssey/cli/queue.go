package cli

import (
	"errors"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-cms/jobs"
)

// QueueInspector is the slice of asynq.Inspector used by the CLI.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListRetryTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the metrics of the invalidation queue.
func InspectQueue(inspector QueueInspector) (QueueStats, error) {
	if inspector == nil {
		return QueueStats{}, errors.New("access cli: inspector not configured")
	}
	info, err := inspector.GetQueueInfo(jobs.QueueInvalidation)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueInvalidation}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListRetrying returns invalidation tasks waiting for a retry.
func ListRetrying(inspector QueueInspector, size int) ([]*asynq.TaskInfo, error) {
	if inspector == nil {
		return nil, errors.New("access cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return inspector.ListRetryTasks(jobs.QueueInvalidation, asynq.PageSize(size), asynq.Page(1))
}
