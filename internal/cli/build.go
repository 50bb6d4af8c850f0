package cli

import (
	"djp.chapter42.de/renderq/internal/backoff"
	"djp.chapter42.de/renderq/internal/data"
	"djp.chapter42.de/renderq/internal/queue"
	"djp.chapter42.de/renderq/internal/remote"
	"go.uber.org/zap"
)

// newQueue builds the remote executor and a queue configured from cfg.
func newQueue(cfg *data.RenderConfig, log *zap.Logger) (*queue.JobQueue, *remote.Client, error) {
	strategy, err := backoff.New(cfg.Queue.Backoff)
	if err != nil {
		return nil, nil, err
	}

	client := remote.NewClient(&cfg.Remote, remote.WithLogger(log.Named("remote")))
	log.Debug("Remote-Client erstellt:", zap.String("remote", cfg.Remote.Name), zap.String("client_id", client.ClientID()))

	q := queue.New(client,
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithBackoff(strategy),
		queue.WithLogger(log.Named("queue")),
	)
	return q, client, nil
}
