package interfaces

import "context"

// QuotaService atomically consumes one print against a grant. A given
// requestID never consumes more than once within the idempotency window.
type QuotaService interface {
	Consume(ctx context.Context, documentID, userID, requestID string) error
}
