package engine

import (
	"context"
	"log"
	"time"
)

const DEFAULT_TICK_INTERVAL = 100 * time.Millisecond

// Loop drives the engine with a periodic, non-overlapping tick. Ticks run
// sequentially in one goroutine; a slow tick delays the next instead of
// racing it. Tick cadence bounds client-visible multiplier resolution.
type Loop struct {
	engine   *Engine
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewLoop(engine *Engine, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DEFAULT_TICK_INTERVAL
	}
	return &Loop{
		engine:   engine,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (l *Loop) Start() {
	go l.run()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (l *Loop) Stop() {
	close(l.stopChan)
	<-l.doneChan
}

func (l *Loop) run() {
	defer close(l.doneChan)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Printf("[TICK] Loop started (interval %s)", l.interval)

	for {
		select {
		case <-l.stopChan:
			log.Println("[TICK] Loop stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.interval*10)
			if _, err := l.engine.Tick(ctx); err != nil {
				// Tick aborted without partial state; the next cadence
				// recomputes elapsed time from stored timestamps.
				log.Printf("[TICK] Tick failed: %v", err)
			}
			cancel()
		}
	}
}
