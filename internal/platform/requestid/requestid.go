// Package requestid mints the correlation ids the ops surface stamps on
// every request. The id travels as the X-Request-Id header, rides the
// request context into handlers, and lands on log lines and audit events
// so one dispatch can be traced across the ledger and provider round
// trips.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character hex id from 16 random bytes. Callers that
// cannot tolerate the entropy source failing fall back to their own
// scheme; the middleware uses a service-name timestamp.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
