package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/onvif"
	"github.com/panteLx/Reolink-ONVIF-Watcher/pkg/models"
)

type scriptedSource struct {
	events []models.DetectionEvent
	err    error
}

func (s *scriptedSource) NextEvent(ctx context.Context, wait time.Duration) (models.DetectionEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.DetectionEvent{}, false, err
	}
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, true, nil
	}
	return models.DetectionEvent{}, false, s.err
}

func TestTailEventsSurfacesReceiveError(t *testing.T) {
	src := &scriptedSource{
		events: []models.DetectionEvent{
			{Camera: "front", ObservedAt: time.Now(), IsPresent: true},
		},
		err: errors.New("pull failed: connection reset"),
	}

	var out bytes.Buffer
	err := tailEvents(context.Background(), src, &out, false)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, out.String(), "front")
	assert.Contains(t, out.String(), "present")
}

func TestTailEventsEndsCleanlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, tailEvents(ctx, &scriptedSource{}, &bytes.Buffer{}, false))
}

func TestTailEventsEndsCleanlyOnClosedSubscriber(t *testing.T) {
	src := &scriptedSource{err: onvif.ErrClosed}
	require.NoError(t, tailEvents(context.Background(), src, &bytes.Buffer{}, false))
}

func TestTailEventsJSONOutput(t *testing.T) {
	src := &scriptedSource{
		events: []models.DetectionEvent{
			{Camera: "front", ObservedAt: time.Now(), IsPresent: false},
		},
		err: onvif.ErrClosed,
	}

	var out bytes.Buffer
	require.NoError(t, tailEvents(context.Background(), src, &out, true))
	assert.Contains(t, out.String(), `"camera":"front"`)
	assert.Contains(t, out.String(), `"present":false`)
}
