package netmon

import (
	"context"
	"fmt"
	"time"
)

const (
	proberInitialBackoff = 200 * time.Millisecond
	proberMaxBackoff     = 5 * time.Second
)

// WatchFunc observes the platform connectivity signal and reports each
// transition through onOnline. It returns when the signal source fails or
// the context ends.
type WatchFunc func(ctx context.Context, onOnline func(bool)) error

// Prober drives a Monitor from a connectivity signal source, reopening the
// watch with capped backoff whenever it breaks. While the watch is down the
// monitor is held offline.
type Prober struct {
	Monitor *Monitor
	Watch   WatchFunc

	// Logf receives probe diagnostics. Optional.
	Logf func(string, ...any)
}

// Run watches connectivity until the context ends. It always returns the
// context's error.
func (p *Prober) Run(ctx context.Context) error {
	if p == nil || p.Monitor == nil {
		return fmt.Errorf("netmon: monitor is required")
	}
	if p.Watch == nil {
		return fmt.Errorf("netmon: watch source is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := proberInitialBackoff
	for {
		sawOnline := false
		err := p.Watch(ctx, func(online bool) {
			if online {
				sawOnline = true
			}
			p.Monitor.SetOnline(online)
		})
		p.Monitor.SetOnline(false)
		if sawOnline {
			backoff = proberInitialBackoff
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && p.Logf != nil {
			p.Logf("connectivity watch ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < proberMaxBackoff {
			backoff *= 2
			if backoff > proberMaxBackoff {
				backoff = proberMaxBackoff
			}
		}
	}
}
