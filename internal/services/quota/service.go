// Package quota implements the two-tier print-quota consumption engine:
// a redis hash counter in front of the durable grant record, with
// request-id idempotency and a correctness-preserving durable fallback
// when the cache is unavailable.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

const (
	quotaKeyFmt = "print_quota:%s:%s"    // hash, field "remaining"
	reqKeyFmt   = "print_req:%s:%s:%s"   // idempotency marker
	reqTTL      = 300 * time.Second      // idempotency window
	fieldRemain = "remaining"
)

// Script results: -2 cache miss, -1 denied, otherwise the value after
// the decrement.
var decrementScript = redis.NewScript(`
local remaining = redis.call('HGET', KEYS[1], 'remaining')
if remaining == false then
  return -2
end
remaining = tonumber(remaining)
if remaining <= 0 then
  return -1
end
redis.call('HINCRBY', KEYS[1], 'remaining', -1)
return remaining - 1
`)

// Service is the quota consumption engine.
type Service struct {
	client *redis.Client // nil disables the cache tier
	access interfaces.AccessStorage
	logger arbor.ILogger
}

var _ interfaces.QuotaService = (*Service)(nil)

// NewService creates the quota engine. A nil redis client sends every
// consume through the durable fallback.
func NewService(client *redis.Client, access interfaces.AccessStorage, logger arbor.ILogger) *Service {
	return &Service{client: client, access: access, logger: logger}
}

// Consume decrements the remaining prints for (documentID, userID) by
// exactly one, or fails with a precise reason. A given requestID never
// consumes more than once within the idempotency window.
func (s *Service) Consume(ctx context.Context, documentID, userID, requestID string) error {
	if requestID == "" {
		return models.NewError(models.KindBadRequest, "requestId is required")
	}
	if s.client == nil {
		return s.consumeDurable(ctx, documentID, userID)
	}

	quotaKey := fmt.Sprintf(quotaKeyFmt, documentID, userID)
	reqKey := fmt.Sprintf(reqKeyFmt, documentID, userID, requestID)

	// Idempotency gate. A replay within the window succeeds with no
	// side effects.
	set, err := s.client.SetNX(ctx, reqKey, "1", reqTTL).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Quota cache unavailable, using durable fallback")
		return s.consumeDurable(ctx, documentID, userID)
	}
	if !set {
		s.logger.Debug().
			Str("document_id", documentID).
			Str("user_id", userID).
			Str("request_id", requestID).
			Msg("Duplicate quota request ignored")
		return nil
	}

	result, err := decrementScript.Run(ctx, s.client, []string{quotaKey}).Int64()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Quota decrement failed, using durable fallback")
		return s.consumeDurable(ctx, documentID, userID)
	}

	if result == -2 {
		// Cache miss: recover the counter from the durable record,
		// seed the hash and decrement once more.
		result, err = s.recoverAndDecrement(ctx, documentID, userID, quotaKey)
		if err != nil {
			if models.KindOf(err) != models.KindInternal {
				return err
			}
			s.logger.Warn().Err(err).Msg("Quota recovery failed, using durable fallback")
			return s.consumeDurable(ctx, documentID, userID)
		}
	}

	if result == -1 {
		// Free the request id so the same requestID can succeed after a
		// future quota increase.
		if err := s.client.Del(ctx, reqKey).Err(); err != nil {
			s.logger.Warn().Err(err).Str("key", reqKey).Msg("Failed to release request key")
		}
		return models.NewError(models.KindLimit, "print quota exhausted")
	}

	// Write-behind: persist consumption on the durable record.
	if err := s.access.IncrementUsed(ctx, documentID, userID, time.Now().UTC()); err != nil {
		// The cache already consumed; surface nothing to the caller but
		// leave a trace. The grant filter excludes revoked records.
		s.logger.Warn().
			Err(err).
			Str("document_id", documentID).
			Str("user_id", userID).
			Msg("Write-behind printsUsed increment failed")
	}

	s.logger.Debug().
		Str("document_id", documentID).
		Str("user_id", userID).
		Int64("remaining", result).
		Msg("Print consumed")
	return nil
}

// recoverAndDecrement handles a cache miss: load the grant, compute the
// remaining counter (legacy usedPrints is a read-only floor), seed the
// hash and re-run the decrement once.
func (s *Service) recoverAndDecrement(ctx context.Context, documentID, userID, quotaKey string) (int64, error) {
	access, err := s.access.NormalizeCounters(ctx, documentID, userID)
	if err != nil {
		if err == interfaces.ErrNotFound {
			return 0, models.NewError(models.KindNoAccess, "no grant for document")
		}
		return 0, err
	}
	if access.Revoked {
		return 0, models.NewError(models.KindRevoked, "grant revoked")
	}

	remaining := access.Remaining()
	if err := s.client.HSet(ctx, quotaKey, fieldRemain, remaining).Err(); err != nil {
		return 0, err
	}
	return decrementScript.Run(ctx, s.client, []string{quotaKey}).Int64()
}

// consumeDurable is the fallback path: one conditional update that
// requires a live grant with headroom. The filter re-checks
// printsUsed < printQuota, so replays outside the idempotency window
// can be lost but never double-counted past the cap.
func (s *Service) consumeDurable(ctx context.Context, documentID, userID string) error {
	matched, err := s.access.ConsumeOptimistic(ctx, documentID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("durable quota consume: %w", err)
	}
	if matched {
		return nil
	}

	// Differentiate the failure.
	access, err := s.access.Get(ctx, documentID, userID)
	if err != nil {
		if err == interfaces.ErrNotFound {
			return models.NewError(models.KindNoAccess, "no grant for document")
		}
		return err
	}
	if access.Revoked {
		return models.NewError(models.KindRevoked, "grant revoked")
	}
	return models.NewError(models.KindLimit, "print quota exhausted")
}
