// Package lock implements the per-document render lock and the global
// active-job counter on the KV cache.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
)

// KV cache key shapes.
const (
	lockKeyFmt   = "vector:render:lock:%s"
	activeKey    = "vector:render:active"
	memberKeyFmt = "vector:render:active:%s"
)

// Outcome is the result class of an acquire attempt.
type Outcome string

const (
	OutcomeAcquired    Outcome = "acquired"
	OutcomeBusy        Outcome = "busy"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeUnavailable Outcome = "unavailable" // cache absent; exclusivity weakened
)

// AcquireResult reports one acquire attempt.
type AcquireResult struct {
	Outcome  Outcome
	HolderID string // set for busy: the current holder's job id
	Active   int64  // set for throttled: the active counter observed
}

// acquireScript implements the compare-and-swap recipe atomically:
// busy check, throttle check, then lock + counter + membership key.
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder then
  return {'busy', holder}
end
local max = tonumber(ARGV[2])
if max > 0 then
  local active = tonumber(redis.call('GET', KEYS[2]) or '0')
  if active >= max then
    return {'throttled', tostring(active)}
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[3]))
redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[3], '1', 'EX', tonumber(ARGV[3]))
return {'acquired', ARGV[1]}
`)

// releaseScript deletes the lock only when held by the caller, and
// decrements the active counter only when the membership key was still
// present, protecting against double-decrement under retries.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
if redis.call('DEL', KEYS[3]) == 1 then
  local active = redis.call('DECR', KEYS[2])
  if active < 0 then
    redis.call('SET', KEYS[2], '0')
  end
end
return 1
`)

// Service manages render locks. A nil redis client disables the cache
// tier: acquisition succeeds with weakened exclusivity.
type Service struct {
	client        *redis.Client
	ttl           time.Duration
	maxActiveJobs int
	logger        arbor.ILogger
}

// NewService creates the lock service. ttl must exceed the worst-case
// render+merge time; abandoned locks are reclaimed by expiry.
func NewService(client *redis.Client, ttl time.Duration, maxActiveJobs int, logger arbor.ILogger) *Service {
	return &Service{
		client:        client,
		ttl:           ttl,
		maxActiveJobs: maxActiveJobs,
		logger:        logger,
	}
}

// Acquire attempts to take the render lock for documentID on behalf of
// jobID.
func (s *Service) Acquire(ctx context.Context, documentID, jobID string) (*AcquireResult, error) {
	if s.client == nil {
		return &AcquireResult{Outcome: OutcomeUnavailable}, nil
	}

	keys := []string{
		fmt.Sprintf(lockKeyFmt, documentID),
		activeKey,
		fmt.Sprintf(memberKeyFmt, jobID),
	}
	args := []interface{}{jobID, s.maxActiveJobs, int(s.ttl.Seconds())}

	raw, err := acquireScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		// Cache unreachable: admission proceeds without the lock.
		s.logger.Warn().Err(err).Str("document_id", documentID).Msg("Render lock cache unavailable")
		return &AcquireResult{Outcome: OutcomeUnavailable}, nil
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("unexpected acquire script reply: %v", raw)
	}
	outcome, _ := reply[0].(string)
	detail, _ := reply[1].(string)

	switch Outcome(outcome) {
	case OutcomeAcquired:
		s.logger.Debug().Str("document_id", documentID).Str("job_id", jobID).Msg("Render lock acquired")
		return &AcquireResult{Outcome: OutcomeAcquired}, nil
	case OutcomeBusy:
		return &AcquireResult{Outcome: OutcomeBusy, HolderID: detail}, nil
	case OutcomeThrottled:
		var active int64
		fmt.Sscanf(detail, "%d", &active)
		return &AcquireResult{Outcome: OutcomeThrottled, Active: active}, nil
	}
	return nil, fmt.Errorf("unexpected acquire outcome %q", outcome)
}

// Release frees the lock held by jobID. Failures are swallowed by
// callers; lock expiry and the reaper guarantee progress.
func (s *Service) Release(ctx context.Context, documentID, jobID string) error {
	if s.client == nil {
		return nil
	}
	keys := []string{
		fmt.Sprintf(lockKeyFmt, documentID),
		activeKey,
		fmt.Sprintf(memberKeyFmt, jobID),
	}
	if err := releaseScript.Run(ctx, s.client, keys, jobID).Err(); err != nil {
		s.logger.Warn().Err(err).Str("document_id", documentID).Str("job_id", jobID).Msg("Render lock release failed")
		return err
	}
	s.logger.Debug().Str("document_id", documentID).Str("job_id", jobID).Msg("Render lock released")
	return nil
}

// Holder returns the job id currently holding the lock, or "" when the
// lock is free or the cache is absent.
func (s *Service) Holder(ctx context.Context, documentID string) (string, error) {
	if s.client == nil {
		return "", nil
	}
	holder, err := s.client.Get(ctx, fmt.Sprintf(lockKeyFmt, documentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return holder, nil
}
