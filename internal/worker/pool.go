package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chat-ingest-service/internal/broker"
)

type claimer interface {
	Claim(ctx context.Context, queue string, timeout time.Duration) (broker.Delivery, error)
}

// Pool consumes one named queue with its own concurrency budget. Pools do
// not share workers: the message lane saturating must not block the
// membership lane.
type Pool struct {
	queue       claimer
	processor   *Processor
	queueName   string
	concurrency int
	claimDelay  time.Duration
	log         *zap.Logger
}

func NewPool(queue claimer, processor *Processor, queueName string, concurrency int, log *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Pool{
		queue:       queue,
		processor:   processor,
		queueName:   queueName,
		concurrency: concurrency,
		claimDelay:  5 * time.Second,
		log:         log,
	}
}

func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool started",
		zap.String("queue", p.queueName),
		zap.Int("concurrency", p.concurrency))

	deliveries := make(chan broker.Delivery)

	for i := 0; i < p.concurrency; i++ {
		go func(n int) {
			for d := range deliveries {
				if err := p.processor.Process(ctx, d); err != nil {
					p.log.Warn("job processing failed",
						zap.String("queue", p.queueName),
						zap.Int("worker", n),
						zap.String("job_id", d.JobID),
						zap.Int("attempt", d.Attempt),
						zap.Error(err))
				}
			}
		}(i + 1)
	}

	// Listener: atomically claim queue -> processing, fan out to workers.
	for {
		select {
		case <-ctx.Done():
			close(deliveries)
			p.log.Info("worker pool stopped", zap.String("queue", p.queueName))
			return
		default:
			d, err := p.queue.Claim(ctx, p.queueName, p.claimDelay)
			if err != nil {
				// timeout/redis.Nil/ctx cancel — not fatal
				continue
			}
			select {
			case deliveries <- d:
			case <-ctx.Done():
				close(deliveries)
				return
			}
		}
	}
}
