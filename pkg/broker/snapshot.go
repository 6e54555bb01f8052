package broker

import "sort"

// ExchangeState is the JSON view of one exchange.
type ExchangeState struct {
	Type     string            `json:"type"`
	Bindings map[string]string `json:"bindings"`
	Messages []Message         `json:"messages"`
}

// QueueState is the JSON view of one queue.
type QueueState struct {
	Messages  []Message `json:"messages"`
	Consumers []string  `json:"consumers"`
}

// Snapshot is a point-in-time copy of the broker state.
type Snapshot struct {
	Exchanges       map[string]ExchangeState `json:"exchanges"`
	Queues          map[string]QueueState    `json:"queues"`
	Acknowledged    []uint64                 `json:"messages_acknowledged"`
	NotAcknowledged []uint64                 `json:"messages_not_acknowledged"`
	Requeued        []uint64                 `json:"messages_requeued"`
}

// Snapshot copies the current state. Tag lists are sorted.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Exchanges:       make(map[string]ExchangeState, len(b.exchanges)),
		Queues:          make(map[string]QueueState, len(b.queues)),
		Acknowledged:    sortedTags(b.acked),
		NotAcknowledged: sortedTags(b.nacked),
		Requeued:        sortedTags(b.requeued),
	}
	for name, e := range b.exchanges {
		bindings := make(map[string]string, len(e.bindings))
		for k, q := range e.bindings {
			bindings[k] = q
		}
		s.Exchanges[name] = ExchangeState{
			Type:     e.kind,
			Bindings: bindings,
			Messages: append([]Message{}, e.published...),
		}
	}
	for name, q := range b.queues {
		tags := make([]string, 0, len(q.consumers))
		for _, c := range q.consumers {
			tags = append(tags, c.tag)
		}
		s.Queues[name] = QueueState{
			Messages:  append([]Message{}, q.messages...),
			Consumers: tags,
		}
	}
	return s
}

func sortedTags(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
