package queue

import "djp.chapter42.de/renderq/internal/job"

type Statistics struct {
	Total     int `json:"total_jobs"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	QueueSize   int  `json:"queue_size"`
	Concurrency int  `json:"concurrency"`
	IsRunning   bool `json:"is_running"`
	IsPaused    bool `json:"is_paused"`
}

// Statistics scans the current state; it always reflects the last committed transition.
func (q *JobQueue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Statistics{
		Total:       len(q.jobs),
		QueueSize:   len(q.pending),
		Concurrency: q.concurrency,
		IsRunning:   q.looping && !q.stopping,
		IsPaused:    q.paused,
	}
	for _, e := range q.jobs {
		switch e.job.Status {
		case job.StatusPending:
			s.Pending++
		case job.StatusRunning:
			s.Running++
		case job.StatusCompleted:
			s.Completed++
		case job.StatusFailed:
			s.Failed++
		case job.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}
