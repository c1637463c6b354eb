package engine

import (
	"context"
	"time"
)

// Run drives the engine in daemon mode until ctx is cancelled: it watches
// the connectivity signal, drains when the remote becomes reachable,
// batches local writes behind a debounce window, and reschedules after
// transient failures with the backoff the drain reports.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Println("Engine running")

	var changes <-chan bool
	if e.conn != nil {
		changes = e.conn.Changes()
	}

	var (
		retryTimer    *time.Timer
		retryC        <-chan time.Time
		debounceTimer *time.Timer
		debounceC     <-chan time.Time
	)
	stopTimer := func(t *time.Timer) {
		if t != nil {
			t.Stop()
		}
	}
	defer stopTimer(retryTimer)
	defer stopTimer(debounceTimer)

	online := e.Online()
	fetched := false

	drain := func() {
		stopTimer(retryTimer)
		retryC = nil

		res, err := e.Sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Printf("Drain failed: %v", err)
			return
		}
		if res.Transient {
			retryTimer = time.NewTimer(res.RetryAfter)
			retryC = retryTimer.C
		}
	}

	connect := func() {
		if e.opts.FullFetchOnConnect && !fetched {
			if err := e.FullFetch(ctx); err != nil {
				e.logger.Printf("Warning: initial fetch failed: %v", err)
			} else {
				fetched = true
			}
		}
		drain()
	}

	if online {
		connect()
	} else {
		e.logger.Println("Starting offline; waiting for connectivity")
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Println("Engine stopped")
			return ctx.Err()

		case on, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if on == online {
				continue
			}
			online = on
			e.publish(EventConnectivity, map[string]bool{"online": on})
			if on {
				e.logger.Println("Connectivity restored")
				connect()
			} else {
				e.logger.Println("Connectivity lost")
			}

		case <-e.kick:
			if !online {
				continue
			}
			// Batch rapid local writes into one drain.
			stopTimer(debounceTimer)
			debounceTimer = time.NewTimer(e.opts.DebounceInterval)
			debounceC = debounceTimer.C

		case <-debounceC:
			debounceC = nil
			if online {
				drain()
			}

		case <-retryC:
			retryC = nil
			if online {
				drain()
			}
		}
	}
}
