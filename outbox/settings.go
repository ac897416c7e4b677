package outbox

import (
	"time"
)

const (
	DefaultPollingInterval time.Duration = time.Second * 5
	DefaultBatchSize       int           = 50
	DefaultMaxAttempts     int           = 5
	DefaultMaxErrorLength  int           = 2000
	DefaultClaimTTL        time.Duration = time.Second * 30
)

// Settings holds the general outbox module configuration.
type Settings struct {
	EnableDispatcher bool          // enables the dispatcher using the polling publisher pattern
	PollingInterval  time.Duration // interval between outbox pollings
	BatchSize        int           // maximum number of entries claimed per cycle
	MaxAttempts      int           // entries with this many failed attempts are no longer fetched
	MaxErrorLength   int           // maximum number of characters stored as last error
	ClaimTTL         time.Duration // how long claimed entries stay hidden from other claimants
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.EnableDispatcher {
		if s.PollingInterval <= 0 {
			s.PollingInterval = DefaultPollingInterval
		}
		if s.BatchSize <= 0 {
			s.BatchSize = DefaultBatchSize
		}
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = DefaultMaxAttempts
		}
		if s.MaxErrorLength <= 0 {
			s.MaxErrorLength = DefaultMaxErrorLength
		}
		if s.ClaimTTL <= 0 {
			s.ClaimTTL = DefaultClaimTTL
		}
	}
}
