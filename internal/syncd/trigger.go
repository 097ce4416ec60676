package syncd

import (
	"context"
	"time"

	"github.com/lst-sh/lst/internal/protocol"
)

// reconnectDelay is the pause before re-dialing the trigger session.
const reconnectDelay = 5 * time.Second

// runTriggerListener keeps a long-lived session open purely to hear about
// remote activity. Any pushed change or compaction request wakes the sync
// loop; the actual exchange happens in its own short-lived session, so a
// dropped trigger connection costs nothing but latency.
func (a *Agent) runTriggerListener(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if a.cfg.Sync.URL == "" || !a.cfg.Auth.JWTValid() {
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		client, err := Connect(ctx, a.cfg.Sync.URL, a.cfg.Auth.JWT)
		if err != nil {
			a.logger.Printf("trigger connection failed: %v", err)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		a.listenForTriggers(ctx, client)
		client.Close()

		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (a *Agent) listenForTriggers(ctx context.Context, client *Client) {
	for {
		msg, err := client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Printf("trigger connection lost: %v", err)
			}
			return
		}
		switch m := msg.(type) {
		case protocol.NewChanges:
			if m.DeviceID != a.cfg.Sync.DeviceID {
				a.TriggerSync()
			}
		case protocol.RequestCompaction:
			a.TriggerSync()
		}
	}
}

// sleepCtx waits d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
