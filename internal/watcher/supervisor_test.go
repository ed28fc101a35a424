package watcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/detect"
)

// crashingRunner fails immediately on every run.
type crashingRunner struct {
	runs atomic.Int32
}

func (r *crashingRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	return errors.New("pull failed: connection refused")
}

// steadyRunner blocks until cancellation, like a healthy pipeline.
type steadyRunner struct {
	runs    atomic.Int32
	stopped atomic.Bool
}

func (r *steadyRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	<-ctx.Done()
	r.stopped.Store(true)
	return nil
}

func factoryFor(p PipelineRunner) PipelineFactory {
	return func() PipelineRunner { return p }
}

func TestSupervisorIsolatesFailingPipeline(t *testing.T) {
	crashing := &crashingRunner{}
	steady := &steadyRunner{}

	sup := NewSupervisor(zerolog.Nop(), 20*time.Millisecond)
	sup.Add("front", factoryFor(crashing))
	sup.Add("back", factoryFor(steady))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// The failing camera cycles through restarts while its sibling keeps
	// running undisturbed.
	require.Eventually(t, func() bool {
		return crashing.runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), steady.runs.Load())
	assert.False(t, steady.stopped.Load())

	cancel()
	require.NoError(t, <-done)
	assert.True(t, steady.stopped.Load())
}

func TestSupervisorRestartRebuildsPipeline(t *testing.T) {
	sink := &fakeSink{}
	var built atomic.Int32

	// First attempt dies on a receive error and closes its source, as a real
	// subscription client does. Subsequent attempts get a fresh source with
	// an event queued.
	sup := NewSupervisor(zerolog.Nop(), 10*time.Millisecond)
	sup.Add("front", func() PipelineRunner {
		source := &fakeSource{}
		if built.Add(1) == 1 {
			source.receiveErr = errors.New("pull failed: connection reset")
		} else {
			source.push(true)
		}
		machine := detect.NewMachine(time.Minute, nil)
		return NewPipeline("front", source, machine, sink, 10*time.Millisecond, zerolog.Nop())
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Events flow again after the restart: the rebuilt pipeline has a live
	// source, not the closed one from the failed attempt.
	require.Eventually(t, func() bool {
		starts, _, _, _ := sink.snapshot()
		return built.Load() >= 2 && starts >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorWaitsForAllPipelinesOnShutdown(t *testing.T) {
	a := &steadyRunner{}
	b := &steadyRunner{}

	sup := NewSupervisor(zerolog.Nop(), time.Second)
	sup.Add("front", factoryFor(a))
	sup.Add("back", factoryFor(b))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.runs.Load() == 1 && b.runs.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Run only returns once every pipeline acknowledged shutdown.
	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
}

func TestSupervisorRestartBackoffRespectsCancel(t *testing.T) {
	crashing := &crashingRunner{}

	// Long delay: cancellation during the restart wait must still return
	// promptly.
	sup := NewSupervisor(zerolog.Nop(), time.Hour)
	sup.Add("front", factoryFor(crashing))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return crashing.runs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down while waiting to restart")
	}
}

func TestSupervisorAddDeduplicatesNames(t *testing.T) {
	sup := NewSupervisor(zerolog.Nop(), time.Second)
	sup.Add("front", factoryFor(&steadyRunner{}))
	sup.Add("front", factoryFor(&steadyRunner{}))
	sup.Add("back", factoryFor(&steadyRunner{}))

	assert.Equal(t, []string{"front", "back"}, sup.names)
}
