// Package message holds the in-memory, append-only conversation log the
// agent run loop reads and writes during a single turn.
package message

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kaelstrand/qx/internal/provider"
)

// maxCacheEntries is the serialization cache ceiling. Once reached the
// cache is halved, discarding its oldest half.
const maxCacheEntries = 1000

// Store is an ordered, append-only sequence of provider.Message values plus
// a memoized JSON serialization cache keyed by message index. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	messages []provider.Message
	cache    map[int][]byte
	cacheAge []int // insertion order of cache keys, for half-eviction
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		cache: make(map[int][]byte),
	}
}

// Append adds a message to the end of the log and returns its index.
func (s *Store) Append(msg provider.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return len(s.messages) - 1
}

// AppendMany adds messages in order, preserving call order (spec invariant:
// tool results append in the order their calls were made, not completion
// order). Callers are responsible for ordering msgs before calling this.
func (s *Store) AppendMany(msgs ...provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Len returns the number of messages currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// At returns the message at idx and whether it exists.
func (s *Store) At(idx int) (provider.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.messages) {
		return provider.Message{}, false
	}
	return s.messages[idx], true
}

// Last returns the most recently appended message, if any.
func (s *Store) Last() (provider.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return provider.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Snapshot returns a copy of the full message sequence, safe to range over
// without holding the store's lock.
func (s *Store) Snapshot() []provider.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]provider.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ReplaceLast overwrites the last message, used when injecting a repetition
// warning or a recitation reminder into the most recent tool result.
func (s *Store) ReplaceLast(msg provider.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return false
	}
	idx := len(s.messages) - 1
	s.messages[idx] = msg
	delete(s.cache, idx)
	return true
}

// ReplaceAt overwrites the message at idx, used to append a recitation or
// depth-warning reminder onto an arbitrary prior tool-result message rather
// than only the most recent one.
func (s *Store) ReplaceAt(idx int, msg provider.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.messages) {
		return false
	}
	s.messages[idx] = msg
	delete(s.cache, idx)
	return true
}

// LastIndexWhere returns the index of the last message for which pred
// returns true, or -1 if none match.
func (s *Store) LastIndexWhere(pred func(provider.Message) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if pred(s.messages[i]) {
			return i
		}
	}
	return -1
}

// PrependSystem ensures the store begins with a single system message,
// inserting one at index 0 if the store is empty or does not already start
// with role "system" (spec §4.1 step 2).
func (s *Store) PrependSystem(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		return
	}
	sysMsg := provider.Message{Role: "system", Content: content, CreatedAt: time.Now()}
	s.messages = append([]provider.Message{sysMsg}, s.messages...)
	s.cache = make(map[int][]byte)
	s.cacheAge = nil
}

// Serialize returns the JSON encoding of the message at idx, memoizing the
// result. Messages are immutable once appended (callers use ReplaceLast to
// swap, never in-place mutation), so the cache never goes stale.
func (s *Store) Serialize(idx int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.cache[idx]; ok {
		return b, nil
	}
	if idx < 0 || idx >= len(s.messages) {
		return nil, ErrIndexOutOfRange
	}
	b, err := json.Marshal(s.messages[idx])
	if err != nil {
		return nil, err
	}
	s.storeCacheLocked(idx, b)
	return b, nil
}

// InvalidateCache drops a cached serialization, used by ReplaceLast callers
// that want the next Serialize call to re-encode.
func (s *Store) InvalidateCache(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, idx)
}

func (s *Store) storeCacheLocked(idx int, b []byte) {
	if _, exists := s.cache[idx]; !exists {
		s.cacheAge = append(s.cacheAge, idx)
	}
	s.cache[idx] = b

	if len(s.cacheAge) < maxCacheEntries {
		return
	}
	half := len(s.cacheAge) / 2
	for _, old := range s.cacheAge[:half] {
		delete(s.cache, old)
	}
	s.cacheAge = append([]int{}, s.cacheAge[half:]...)
}
