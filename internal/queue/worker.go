package queue

import (
	"fmt"
	"time"

	"github.com/ternarybob/vectorpress/internal/common"
	"github.com/ternarybob/vectorpress/internal/models"
)

// retryable reports whether a handler error should consume another
// attempt. Deterministic pipeline errors are never retried.
func retryable(err error) bool {
	return models.IsRetryable(err)
}

// Start launches the worker poll loops. Each worker processes one
// job-step at a time; parallelism comes from the pool size.
func (m *Manager) Start() error {
	m.logger.Info().
		Int("concurrency", m.opts.Concurrency).
		Str("queue", m.opts.QueueName).
		Msg("Starting worker pool")

	for i := 0; i < m.opts.Concurrency; i++ {
		workerID := i
		common.SafeGo(m.logger, fmt.Sprintf("queue-worker-%d", workerID), func() {
			m.worker(workerID)
		})
	}
	return nil
}

// Stop cancels the worker loops.
func (m *Manager) Stop() error {
	m.logger.Info().Msg("Stopping worker pool")
	m.cancel()
	return nil
}

// worker is the main poll loop.
func (m *Manager) worker(workerID int) {
	// Stagger worker starts to reduce claim contention.
	staggerDelay := (m.opts.PollInterval / time.Duration(m.opts.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		time.Sleep(staggerDelay)
	}

	m.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return

		case <-ticker.C:
			for {
				if err := m.processOne(workerID); err != nil {
					if err != ErrNoMessage {
						m.logger.Warn().
							Err(err).
							Int("worker_id", workerID).
							Msg("Error processing message")
					}
					break
				}
			}
		}
	}
}

// processOne claims and processes a single message.
func (m *Manager) processOne(workerID int) error {
	msg, err := m.receive()
	if err != nil {
		return err
	}

	handler, exists := m.handlers[msg.Job.Name]
	if !exists {
		m.logger.Error().
			Str("job_name", msg.Job.Name).
			Str("job_id", msg.Job.ID).
			Msg("No handler registered for job name")
		return m.dropMessage(msg)
	}

	m.logger.Debug().
		Str("job_id", msg.Job.ID).
		Str("job_name", msg.Job.Name).
		Int("attempt", msg.Job.Attempt).
		Int("worker_id", workerID).
		Msg("Processing job")

	start := time.Now()
	result, handlerErr := handler(m.ctx, &msg.Job)
	duration := time.Since(start)

	if handlerErr != nil {
		final := msg.Job.Attempt >= msg.MaxAttempts || !retryable(handlerErr)
		m.logger.Error().
			Err(handlerErr).
			Str("job_id", msg.Job.ID).
			Str("job_name", msg.Job.Name).
			Int("attempt", msg.Job.Attempt).
			Bool("final", final).
			Dur("duration", duration).
			Msg("Job handler failed")

		if !final {
			return m.retryMessage(msg)
		}
		if onFailure, ok := m.failures[msg.Job.Name]; ok {
			onFailure(m.ctx, &msg.Job, handlerErr)
		}
		return m.dropMessage(msg)
	}

	m.logger.Info().
		Str("job_id", msg.Job.ID).
		Str("job_name", msg.Job.Name).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Job completed")

	if msg.ChildIndex < 0 {
		return m.completeParent(msg)
	}
	return m.completeChild(msg, result)
}
