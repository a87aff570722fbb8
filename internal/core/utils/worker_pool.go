package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool runs worker over items with at most maxWorkers concurrent calls
// and returns one result per item, in item order. Items not yet started when
// ctx is cancelled complete with ctx.Err().
func RunInPool[In any, Out any](ctx context.Context, worker func(context.Context, In) (Out, error), items []In, maxWorkers int) []CompletedTask[Out] {
	completed := make([]CompletedTask[Out], len(items))
	workers := min(len(items), max(maxWorkers, 1))

	queue := make(chan int, len(items))
	for i := range items {
		queue <- i
	}
	close(queue)

	wg := sync.WaitGroup{}
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()

			for i := range queue {
				if err := ctx.Err(); err != nil {
					completed[i] = CompletedTask[Out]{Index: i, Error: err}
					continue
				}

				res, err := worker(ctx, items[i])
				completed[i] = CompletedTask[Out]{Index: i, Result: res, Error: err}
			}
		}()
	}

	wg.Wait()

	return completed
}
