// Package idgen generates entity identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for each entity kind.
const (
	Campaign    = "cmp_"
	Offer       = "off_"
	Session     = "ses_"
	BonusTask   = "bt_"
	Transaction = "tx_"
	Wallet      = "wal_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ses_", "tx_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
