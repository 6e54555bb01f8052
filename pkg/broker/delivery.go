package broker

import (
	"context"
	"time"
)

// DefaultDeliveryInterval is the sweep period used when Run gets none.
const DefaultDeliveryInterval = time.Second

// Sweep performs one delivery pass over every queue. Each queued message goes
// to the first live consumer of its queue, with delivery tags counting from 1
// per queue. The backlog is then cleared, unless the broker retains
// undelivered messages, in which case only those stay queued. It returns the
// number of deliveries handed to consumers.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	var out []pending
	for _, q := range b.queues {
		if len(q.messages) == 0 {
			continue
		}
		var kept []Message
		dropped := 0
		tag := uint64(1)
		for _, msg := range q.messages {
			c, dead := q.firstLive()
			q.purge(b.logger, dead)
			if c == nil {
				if b.retainUndelivered {
					kept = append(kept, msg)
				} else {
					dropped++
				}
				continue
			}
			out = append(out, pending{c: c, d: Delivery{
				ConsumerTag: c.tag,
				DeliveryTag: tag,
				Exchange:    msg.Exchange,
				RoutingKey:  msg.RoutingKey,
				Properties:  msg.Properties,
				Body:        msg.Body,
			}})
			tag++
		}
		if dropped > 0 {
			b.logger.Debug().Str("queue", q.name).Int("dropped", dropped).Msg("undelivered messages dropped")
		}
		q.messages = kept
	}
	b.mu.Unlock()

	b.push(out)
	return len(out)
}

// Run sweeps every interval until ctx is cancelled.
func (b *Broker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultDeliveryInterval
	}
	b.logger.Info().Dur("interval", interval).Msg("delivery loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("delivery loop stopped")
			return nil
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.Debug().Int("deliveries", n).Msg("delivery sweep")
			}
		}
	}
}
