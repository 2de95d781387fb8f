package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Decision tells a handler what to do with a keyed request.
type Decision int

const (
	// Proceed means the caller owns the key and must run the request.
	Proceed Decision = iota
	// Replay means a stored response exists and should be returned as is.
	Replay
	// InFlight means another request with the same key is still running.
	InFlight
)

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK, scope-prefixed
	Status         string    `dynamodbav:"status"`
	Scope          string    `dynamodbav:"scope"`
	ResourceID     string    `dynamodbav:"resource_id,omitempty"`
	Fingerprint    string    `dynamodbav:"fingerprint,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Fingerprint hashes a request body so a reused key with a different
// payload can be told apart from a retry.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
