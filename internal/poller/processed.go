package poller

import (
	"sync"
	"time"
)

// DefaultProcessedTTL is how long a pair is remembered.
const DefaultProcessedTTL = 24 * time.Hour

// ProcessedSet remembers which (out_trade_no, transaction_id) pairs have
// already triggered an activation in this process. Entries older than the
// TTL are dropped as new pairs are marked, so a long-lived set stays small.
type ProcessedSet struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{seen: make(map[string]time.Time), ttl: DefaultProcessedTTL, now: time.Now}
}

// WithTTL changes how long pairs are remembered.
func (s *ProcessedSet) WithTTL(ttl time.Duration) *ProcessedSet {
	s.ttl = ttl
	return s
}

func processedKey(outTradeNo, transactionID string) string {
	return outTradeNo + "\x00" + transactionID
}

// MarkOnce records the pair and reports whether this call was the first.
func (s *ProcessedSet) MarkOnce(outTradeNo, transactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)

	key := processedKey(outTradeNo, transactionID)
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = now
	return true
}

// Forget removes the pair so the next Run sharing this set may activate it
// again.
func (s *ProcessedSet) Forget(outTradeNo, transactionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, processedKey(outTradeNo, transactionID))
}

// prune drops expired entries; the caller holds mu.
func (s *ProcessedSet) prune(now time.Time) {
	for key, at := range s.seen {
		if now.Sub(at) > s.ttl {
			delete(s.seen, key)
		}
	}
}

func (s *ProcessedSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
