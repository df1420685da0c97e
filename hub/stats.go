package hub

// SubscriberStats are per-subscription counters.
type SubscriberStats struct {
	ID      string `json:"id"`
	LastSeq uint64 `json:"last_seq"`
	Drops   uint64 `json:"drops"`
}

// Stats is a point-in-time snapshot of hub counters. Drops are expected and
// healthy whenever a consumer runs slower than the source.
type Stats struct {
	Published   uint64            `json:"published"`
	ReadErrors  uint64            `json:"read_errors"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats returns a snapshot of producer and per-subscriber counters.
func (h *Hub) Stats() Stats {
	st := Stats{
		Published:  h.published.Load(),
		ReadErrors: h.readErrs.Load(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.mu.Lock()
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			ID:      sub.id,
			LastSeq: sub.lastSeq,
			Drops:   sub.drops,
		})
		sub.mu.Unlock()
	}
	return st
}
