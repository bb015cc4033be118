package pipeline

import (
	"context"
	"fmt"
	"image"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/strip-ocr-service/internal/ocr"
)

// recognizeStrips recognizes boxes and calls each with the results in box
// order. With more than one worker strips run concurrently, but each is
// still delivered strictly after its predecessors.
func (r *run) recognizeStrips(ctx context.Context, img image.Image, boxes []image.Rectangle, page int, each func(ocr.StripResult) error) error {
	workers := min(r.settings.StripWorkers, len(boxes))
	if workers <= 1 {
		for i, box := range boxes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := each(r.p.recognizer.Recognize(ctx, img, box, page, i+1)); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]chan ocr.StripResult, len(boxes))
	for i := range slots {
		slots[i] = make(chan ocr.StripResult, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	scheduled := make(chan struct{})
	go func() {
		defer close(scheduled)
		for i, box := range boxes {
			if gctx.Err() != nil {
				return
			}
			g.Go(func() error {
				slots[i] <- r.recognizeGuarded(gctx, img, box, page, i+1)
				return nil
			})
		}
	}()

	wait := func() {
		<-scheduled
		_ = g.Wait()
	}

	for i := range boxes {
		select {
		case res := <-slots[i]:
			if err := each(res); err != nil {
				cancel()
				wait()
				return err
			}
		case <-ctx.Done():
			wait()
			return ctx.Err()
		}
	}
	wait()
	return nil
}

// stripPanic carries a panic out of a worker goroutine so Run can report it.
type stripPanic struct {
	value any
	stack []byte
}

func (p *stripPanic) Error() string {
	return fmt.Sprintf("panic: %v\n%s", p.value, p.stack)
}

func (r *run) recognizeGuarded(ctx context.Context, img image.Image, box image.Rectangle, page, index int) (res ocr.StripResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = ocr.StripResult{Index: index, Box: box, Err: &stripPanic{value: rec, stack: debug.Stack()}}
		}
	}()
	return r.p.recognizer.Recognize(ctx, img, box, page, index)
}
