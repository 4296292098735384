package broker

import (
	"context"
	"time"

	"topicbus/broker/internal/logging"
)

// RunReaper ages the store once per tick interval until the context ends.
func (b *Broker) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Tick performs one reaper pass: age every message, prune the expired ones,
// recompute topic activity, sweep empty topics, and rewrite the journal from
// the survivors. The journal file belongs to the reaper for the duration.
func (b *Broker) Tick() {
	b.mu.Lock()
	b.tick++
	tick := b.tick
	expired := b.store.Age()
	//1.- Activity is recomputed from the surviving persistent messages, not
	// decremented incrementally, so the flag can never drift from the store.
	for _, topic := range b.topics.All() {
		topic.HasActive = b.store.HasPersistent(topic.Name)
	}
	removed := b.topics.Sweep()
	survivors := b.store.Persistent()
	var rewriteErr error
	if b.journal.Enabled() {
		rewriteErr = b.journal.Rewrite(survivors)
	}
	b.mu.Unlock()

	if rewriteErr != nil {
		//2.- The in-memory prune stands; the journal lags one tick until the
		// next successful rewrite.
		b.logger.Warn("journal rewrite failed", logging.Uint64("tick", tick), logging.Error(rewriteErr))
	}
	if len(expired) > 0 {
		if err := b.archive.AppendExpired(tick, expired); err != nil {
			b.logger.Warn("expiry archive append failed", logging.Error(err))
		}
		b.logger.Debug("messages expired",
			logging.Uint64("tick", tick), logging.Int("count", len(expired)))
	}
	if len(removed) > 0 {
		b.logger.Debug("topics swept",
			logging.Uint64("tick", tick), logging.Strings("topics", removed))
	}
}
