package progress_test

import (
	"context"
	"fmt"
	"time"

	"github.com/procurewatch/tendercrawl/internal/progress"
)

// sinkFunc adapts a function to the Sink interface for examples.
type sinkFunc func(context.Context, []progress.Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []progress.Event) error {
	return f(ctx, batch)
}

func (f sinkFunc) Close(context.Context) error { return nil }

func ExampleHub_Emit() {
	counted := 0
	hub := progress.NewHub(progress.Config{}, sinkFunc(func(_ context.Context, batch []progress.Event) error {
		counted += len(batch)
		return nil
	}))

	for page := 1; page <= 3; page++ {
		hub.Emit(progress.Event{
			RunID:   "run-example",
			TS:      time.Now().UTC(),
			Stage:   progress.StagePageDone,
			Target:  "active/2024/modal",
			Page:    page,
			Records: 20,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		fmt.Println("close:", err)
		return
	}
	fmt.Println("events delivered:", counted)
	// Output: events delivered: 3
}
