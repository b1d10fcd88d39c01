package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunBackgroundStopWaitsForReturn(t *testing.T) {
	started := make(chan struct{})
	var done atomic.Bool
	stop := runBackground(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		// an in-flight tick still finishing after cancellation
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		return ctx.Err()
	})
	<-started
	stop()
	if !done.Load() {
		t.Fatal("stop returned before the background function finished")
	}
}

func TestRunBackgroundStopsWithParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	stop := runBackground(parent, func(ctx context.Context) error {
		<-ctx.Done()
		close(exited)
		return nil
	})
	cancel()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("background function ignored parent cancellation")
	}
	stop()
}
