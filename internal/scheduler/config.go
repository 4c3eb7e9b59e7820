package scheduler

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultWorkers              = 2
	defaultQueueDepth           = 32
	defaultStageTimeout         = 5 * time.Minute
	defaultAcquireRetryInterval = 100 * time.Millisecond
)

// Config holds Scheduler construction parameters.
type Config struct {
	// Workers is the number of concurrent task executors.
	Workers int
	// QueueDepth bounds the number of queued tasks; submissions beyond it
	// are rejected with a capacity error rather than blocking the caller.
	QueueDepth int
	// StageTimeout bounds one stage execution, model acquisition included.
	StageTimeout time.Duration
	// AcquireRetryInterval is the pause between model acquisition attempts
	// while every resident model is pinned by other workers.
	AcquireRetryInterval time.Duration

	// Now is the clock source for record timestamps; tests inject a fake.
	Now    func() time.Time
	Logger zerolog.Logger
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaultStageTimeout
	}
	if c.AcquireRetryInterval <= 0 {
		c.AcquireRetryInterval = defaultAcquireRetryInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
