package shard

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// AsyncRequestsSender sends a set of requests concurrently and hands back
// responses in the order they arrive. Callers may stop consuming early; the
// remaining requests still run to completion so that a commit or abort
// already on the wire is never torn down halfway.
type AsyncRequestsSender struct {
	responses chan Response
	remaining int
}

// NewAsyncRequestsSender starts sending every request. maxInFlight bounds
// the number of concurrent sends; zero means unbounded.
func NewAsyncRequestsSender(ctx context.Context, sender Sender, db string, requests []Request, rp ReadPreference, policy RetryPolicy, maxInFlight int) *AsyncRequestsSender {
	ars := &AsyncRequestsSender{
		responses: make(chan Response, len(requests)),
		remaining: len(requests),
	}

	var g errgroup.Group
	if maxInFlight > 0 {
		g.SetLimit(maxInFlight)
	}
	// g.Go blocks once the limit is reached, so scheduling happens off the
	// caller's goroutine.
	go func() {
		for _, req := range requests {
			req := req
			g.Go(func() error {
				reply, err := sender.RunCommand(ctx, req.ShardID, db, req.Cmd, rp, policy)
				ars.responses <- Response{ShardID: req.ShardID, Reply: reply, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return ars
}

// Done reports whether every response has been consumed.
func (a *AsyncRequestsSender) Done() bool {
	return a.remaining == 0
}

// Next blocks until the next response arrives.
func (a *AsyncRequestsSender) Next() Response {
	resp := <-a.responses
	a.remaining--
	return resp
}

// GatherResponses sends all requests and waits for every response.
func GatherResponses(ctx context.Context, sender Sender, db string, requests []Request, rp ReadPreference, policy RetryPolicy) []Response {
	ars := NewAsyncRequestsSender(ctx, sender, db, requests, rp, policy, 0)
	out := make([]Response, 0, len(requests))
	for !ars.Done() {
		out = append(out, ars.Next())
	}
	return out
}
