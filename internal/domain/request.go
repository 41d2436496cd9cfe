package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Keys under this prefix are derived by the engine for reversals and never accepted
// from clients.
const reversalKeyPrefix = "reversal:"

// ReversalKey is the idempotency key of the attempt-th reversal of a transaction.
// attempt counts earlier reversals of the same transaction that failed.
func ReversalKey(originalID int64, attempt int) string {
	return fmt.Sprintf("%s%d:%d", reversalKeyPrefix, originalID, attempt)
}

// Validate runs the checks that need no storage access.
func (r TransferRequest) Validate() error {
	if r.ReceiverID != nil && *r.ReceiverID == r.SenderID {
		return ErrSelfTransfer
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return ErrMissingIdempotencyKey
	}
	if r.ReversalOf == nil && strings.HasPrefix(r.IdempotencyKey, reversalKeyPrefix) {
		return ErrReservedIdempotencyKey
	}
	return nil
}

// Fingerprint hashes the fields that define the request's effect, so a replay with the
// same key but a different payload can be told apart from a genuine retry.
func (r TransferRequest) Fingerprint() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(r.SenderID, 10))
	b.WriteByte('|')
	if r.ReceiverID != nil {
		b.WriteString(strconv.FormatInt(*r.ReceiverID, 10))
	}
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(r.ReceiverEmail)))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(r.Amount), 10))
	b.WriteByte('|')
	b.WriteString(r.Note)
	b.WriteByte('|')
	if r.ReversalOf != nil {
		b.WriteString(strconv.FormatInt(*r.ReversalOf, 10))
	}

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}
