package printmirror

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// SafeGroup is an errgroup.Group with safer defaults for the long-running
// workers this process keeps alive (poll loop, auth refresh, web server).
//
// GoSafe runs a worker with panic recovery and restart backoff: a panicking
// worker must never take the whole display down.
type SafeGroup struct {
	*errgroup.Group
	ctx context.Context
}

// NewSafeGroup creates a SafeGroup backed by errgroup.WithContext.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx}
}

// Context returns the group-derived context, canceled on parent cancellation
// or the first worker error.
func (sg *SafeGroup) Context() context.Context {
	return sg.ctx
}

// GoSafe runs fn in a group goroutine, recovers panics, and restarts the
// worker with exponential backoff. Returned errors keep errgroup semantics
// and cancel the siblings.
//
// Panics are printed to stderr rather than the structured logger: the
// logger itself may be what panicked.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-sg.ctx.Done():
				return nil
			default:
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(sg.ctx)
			}()
			if !panicked {
				return err
			}

			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			jitter := time.Duration(0)
			if max := backoff / 2; max > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(max))
			}
			time.Sleep(backoff + jitter)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}
