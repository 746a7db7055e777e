package app

import (
	"context"
	"log"
	"time"
)

// runEvery invokes fn on a fixed interval until the context ends. Errors are
// logged and the loop keeps going; a sync pass failing is normal when the
// node is offline.
func runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("%s: %v", name, err)
			}
		}
	}
}
