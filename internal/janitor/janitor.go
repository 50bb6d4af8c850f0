// Package janitor removes finished jobs from the queue on a cron schedule.
package janitor

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Clearer is implemented by queue.JobQueue.
type Clearer interface {
	ClearCompleted() int
}

type Janitor struct {
	cron    *cron.Cron
	target  Clearer
	log     *zap.Logger
	enabled bool
}

// New parses schedule (standard five-field cron or a descriptor such as "@every 30m").
// An empty schedule yields a janitor whose Start and Stop do nothing.
func New(schedule string, target Clearer, log *zap.Logger) (*Janitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	j := &Janitor{target: target, log: log}
	if schedule == "" {
		return j, nil
	}

	cl := cronLogger{log: log.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("ungültiger Cron-Ausdruck %q: %w", schedule, err)
	}
	j.enabled = true
	return j, nil
}

func (j *Janitor) Enabled() bool { return j.enabled }

func (j *Janitor) Start() {
	if !j.enabled {
		return
	}
	j.cron.Start()
	j.log.Info("Janitor gestartet", zap.Time("next", j.cron.Entries()[0].Next))
}

// Stop waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	if !j.enabled {
		return
	}
	<-j.cron.Stop().Done()
}

// RunOnce clears finished jobs immediately.
func (j *Janitor) RunOnce() {
	n := j.target.ClearCompleted()
	if n > 0 {
		j.log.Info("Abgeschlossene Jobs entfernt:", zap.Int("count", n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
