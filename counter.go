package httpauth

import "container/list"

// nonceCounterEntry is the bookkeeping record for one nonce tracked by a
// NonceCounter: the nonce string itself (needed to evict the right map
// entry once it falls off the back of the LRU list) and the count last
// handed out for it.
type nonceCounterEntry struct {
	nonce string
	count int
}

// NonceCounter hands out a strictly increasing nc value per Digest nonce,
// per RFC 2617 §3.2.2.1 ("the client nonce count... MUST be increased by
// one each time"). A server may rotate nonces at will, so counters are
// tracked in a small bounded LRU rather than a single scalar: once more
// distinct nonces are live than the configured capacity, the
// least-recently-touched one is forgotten (a fresh Digest challenge
// always resets its counter to 1 via Reset, so forgetting an old entry
// only matters if the same stale nonce somehow reappears, which no
// server in practice does).
type NonceCounter struct {
	entries  map[string]*list.Element
	recency  *list.List
	capacity int
}

// NewNonceCounter returns a NonceCounter tracking at most capacity
// distinct nonces at once (capacity is raised to 1 if given as less).
func NewNonceCounter(capacity int) *NonceCounter {
	if capacity < 1 {
		capacity = 1
	}
	return &NonceCounter{
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		capacity: capacity,
	}
}

// Reset forgets any count tracked for nonce, so the next Next(nonce)
// call starts counting again from 1. Called whenever a session accepts
// a freshly issued or rotated nonce, so a stale-triggered retry never
// inherits the previous nonce's count.
func (nc *NonceCounter) Reset(nonce string) {
	el, ok := nc.entries[nonce]
	if !ok {
		return
	}
	nc.recency.Remove(el)
	delete(nc.entries, nonce)
}

// Next returns the next nc value for nonce, starting at 1 the first time
// a given nonce is seen (or reseen after a Reset).
func (nc *NonceCounter) Next(nonce string) int {
	if el, ok := nc.entries[nonce]; ok {
		nc.recency.MoveToFront(el)
		entry := el.Value.(*nonceCounterEntry)
		entry.count++
		return entry.count
	}

	if len(nc.entries) >= nc.capacity {
		oldest := nc.recency.Back()
		if oldest != nil {
			nc.recency.Remove(oldest)
			delete(nc.entries, oldest.Value.(*nonceCounterEntry).nonce)
		}
	}

	entry := &nonceCounterEntry{nonce: nonce, count: 1}
	nc.entries[nonce] = nc.recency.PushFront(entry)
	return entry.count
}
