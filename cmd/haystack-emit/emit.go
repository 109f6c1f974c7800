package main

import (
	"context"
	"strconv"
	"time"

	"github.com/zoobzio/haystackz"
	"golang.org/x/sync/errgroup"
)

// emit sends n traces, each a client root span, an outbound client call, the
// server span on the receiving side and a database child of that server span.
// The hop between client and server goes through a text-map carrier so the
// tracer's shared-span or dual-span mode applies.
func emit(ctx context.Context, tracer *haystackz.Tracer, n, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return emitTrace(ctx, tracer, i)
		})
	}
	return g.Wait()
}

func emitTrace(ctx context.Context, tracer *haystackz.Tracer, seq int) error {
	ctx, root := tracer.StartSpanFromContext(ctx, "checkout",
		haystackz.WithTag("emit.sequence", seq))
	if err := root.SetBaggageItem("emit-run", strconv.Itoa(seq)); err != nil {
		return err
	}

	_, call := tracer.StartSpanFromContext(ctx, "GET /inventory",
		haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindClient))

	carrier := haystackz.NewTextMapCarrier()
	if err := tracer.Inject(call.Context(), haystackz.FormatTextMap, carrier); err != nil {
		return err
	}
	parent, err := tracer.Extract(haystackz.FormatTextMap, carrier)
	if err != nil {
		return err
	}

	server := tracer.StartSpan("GET /inventory",
		haystackz.ChildOf(parent),
		haystackz.WithTag(haystackz.TagSpanKind, haystackz.SpanKindServer))
	query := tracer.StartSpan("SELECT inventory",
		haystackz.ChildOfSpan(server),
		haystackz.WithTag("db.type", "sql"))
	_ = query.LogEvent("rows", 1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
	}

	for _, span := range []*haystackz.Span{query, server, call, root} {
		if err := span.Finish(); err != nil {
			return err
		}
	}
	return nil
}
