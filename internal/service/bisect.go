package service

import "context"

// bisectBatch submits items as one batch. When the submission fails the
// batch is split in half and each half retried, down to depth levels or
// single items, whichever comes first. It returns the items that were
// committed and those that could not be.
func bisectBatch[T any](ctx context.Context, items []T, depth int, submit func(ctx context.Context, batch []T) error) (committed, failed []T) {
	type segment struct {
		items []T
		depth int
	}

	stack := []segment{{items: items, depth: depth}}
	for len(stack) > 0 {
		seg := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(seg.items) == 0 {
			continue
		}

		if ctx.Err() != nil {
			failed = append(failed, seg.items...)
			continue
		}
		if err := submit(ctx, seg.items); err == nil {
			committed = append(committed, seg.items...)
			continue
		}
		if seg.depth <= 0 || len(seg.items) == 1 {
			failed = append(failed, seg.items...)
			continue
		}

		mid := len(seg.items) / 2
		// Right half pushed first so the left half is submitted first.
		stack = append(stack,
			segment{items: seg.items[mid:], depth: seg.depth - 1},
			segment{items: seg.items[:mid], depth: seg.depth - 1})
	}
	return committed, failed
}
