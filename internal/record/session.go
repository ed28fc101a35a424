// Package record owns the lifecycle of recording sessions: one snapshot plus
// one stream-copied clip per detection episode, backed by an external
// capture process.
package record

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/metrics"
	"github.com/panteLx/Reolink-ONVIF-Watcher/pkg/models"
)

// ErrSessionStart wraps failures to launch a recording. The session remains
// absent; the next positive detection retries.
var ErrSessionStart = errors.New("session start failed")

// SnapshotFetcher is the snapshot collaborator. A fetch failure is logged
// and counted but never prevents the clip from starting.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// Manager runs at most one recording session for its camera at a time.
// Start/Extend/Stop are called synchronously from the camera's pipeline;
// only the process-exit monitor runs concurrently.
type Manager struct {
	cam        config.Camera
	outputRoot string
	grace      time.Duration
	runner     CaptureRunner
	snapshots  SnapshotFetcher
	log        zerolog.Logger
	m          *metrics.Metrics
	now        func() time.Time

	mu  sync.Mutex
	cur *session
}

type session struct {
	info        models.SessionInfo
	proc        CaptureProcess
	monitorStop chan struct{}
}

func NewManager(cam config.Camera, outputRoot string, grace time.Duration,
	runner CaptureRunner, snapshots SnapshotFetcher,
	logger zerolog.Logger, m *metrics.Metrics) *Manager {

	return &Manager{
		cam:        cam,
		outputRoot: outputRoot,
		grace:      grace,
		runner:     runner,
		snapshots:  snapshots,
		log:        logger.With().Str("camera", cam.Name).Logger(),
		m:          m,
		now:        time.Now,
	}
}

// Start begins a new session: allocates collision-free paths, captures one
// snapshot, launches the recorder. Exactly one session may be live per
// camera; calling Start while one is live is a logged no-op.
func (mgr *Manager) Start(ctx context.Context) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cur != nil {
		mgr.log.Warn().Str("session", mgr.cur.info.ID).Msg("start requested while session live")
		return nil
	}

	startedAt := mgr.now()
	id := sessionID(startedAt)

	snapDir := filepath.Join(mgr.outputRoot, mgr.cam.Name, "snapshots")
	clipDir := filepath.Join(mgr.outputRoot, mgr.cam.Name, "clips")
	for _, dir := range []string{snapDir, clipDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrSessionStart, err)
		}
	}

	info := models.SessionInfo{
		ID:           id,
		Camera:       mgr.cam.Name,
		StartedAt:    startedAt,
		SnapshotPath: filepath.Join(snapDir, id+".jpg"),
		ClipPath:     filepath.Join(clipDir, id+".mp4"),
		Status:       models.SessionStarting,
	}

	mgr.takeSnapshot(ctx, info)

	proc, err := mgr.runner.Start(StreamURL(mgr.cam), info.ClipPath)
	if err != nil {
		mgr.log.Error().Err(err).Str("session", id).Msg("failed to launch recorder")
		return fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	info.Status = models.SessionRunning
	sess := &session{info: info, proc: proc, monitorStop: make(chan struct{})}
	mgr.cur = sess

	mgr.m.SessionsStarted.WithLabelValues(mgr.cam.Name).Inc()
	mgr.m.ActiveSessions.WithLabelValues(mgr.cam.Name).Set(1)
	mgr.log.Info().Str("session", id).Str("clip", info.ClipPath).Int("pid", proc.Pid()).
		Msg("recording session started")

	go mgr.monitor(sess)
	return nil
}

// Extend updates the session's deadline bookkeeping. The recorder keeps
// running unconditionally until Stop; no filesystem or process action.
func (mgr *Manager) Extend(deadline time.Time) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cur == nil {
		return
	}
	mgr.cur.info.Deadline = deadline
	mgr.log.Debug().Str("session", mgr.cur.info.ID).Time("deadline", deadline).
		Msg("session extended")
}

// Stop ends the live session gracefully. Idempotent: stopping with no live
// session is a no-op, not an error.
func (mgr *Manager) Stop() error {
	mgr.mu.Lock()
	sess := mgr.cur
	if sess == nil {
		mgr.mu.Unlock()
		return nil
	}
	mgr.cur = nil
	sess.info.Status = models.SessionStopping
	mgr.mu.Unlock()

	close(sess.monitorStop)

	if err := sess.proc.Stop(mgr.grace); err != nil {
		mgr.log.Error().Err(err).Str("session", sess.info.ID).Msg("recorder did not stop cleanly")
	}
	sess.info.Status = models.SessionStopped

	mgr.m.SessionsStopped.WithLabelValues(mgr.cam.Name).Inc()
	mgr.m.ActiveSessions.WithLabelValues(mgr.cam.Name).Set(0)

	mgr.finalizeClip(sess)
	return nil
}

// Active reports whether a non-terminal session is live.
func (mgr *Manager) Active() bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.cur != nil
}

// Current returns a copy of the live session's info, if any.
func (mgr *Manager) Current() (models.SessionInfo, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.cur == nil {
		return models.SessionInfo{}, false
	}
	return mgr.cur.info, true
}

// sessionID encodes a sortable UTC timestamp plus a short random suffix, so
// two sessions for the same camera never collide even within one second.
func sessionID(t time.Time) string {
	return t.UTC().Format("20060102T150405Z") + "_" + uuid.NewString()[:8]
}

func (mgr *Manager) takeSnapshot(ctx context.Context, info models.SessionInfo) {
	data, err := mgr.snapshots.Snapshot(ctx)
	if err == nil {
		err = os.WriteFile(info.SnapshotPath, data, 0o644)
	}
	if err != nil {
		// Independent side effect: a snapshot miss never blocks the clip.
		mgr.m.SnapshotFailures.WithLabelValues(mgr.cam.Name).Inc()
		mgr.log.Warn().Err(err).Str("session", info.ID).Msg("snapshot failed")
		return
	}
	mgr.log.Info().Str("session", info.ID).Str("snapshot", info.SnapshotPath).
		Int("bytes", len(data)).Msg("snapshot saved")
}

// monitor watches the capture process. An exit while the session is still
// live is a process fault: the clip is incomplete and the session is forced
// to STOPPED so a later detection can start fresh.
func (mgr *Manager) monitor(sess *session) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	samples := 0
	for {
		select {
		case <-sess.monitorStop:
			return
		case <-sess.proc.Done():
			mgr.handleUnexpectedExit(sess)
			return
		case <-ticker.C:
			samples++
			if samples%15 == 0 {
				mgr.sampleRecorder(sess)
			}
		}
	}
}

func (mgr *Manager) handleUnexpectedExit(sess *session) {
	mgr.mu.Lock()
	if mgr.cur != sess {
		// Stop already took ownership.
		mgr.mu.Unlock()
		return
	}
	mgr.cur = nil
	sess.info.Status = models.SessionStopped
	mgr.mu.Unlock()

	mgr.m.ProcessFaults.WithLabelValues(mgr.cam.Name).Inc()
	mgr.m.SessionsStopped.WithLabelValues(mgr.cam.Name).Inc()
	mgr.m.ActiveSessions.WithLabelValues(mgr.cam.Name).Set(0)

	mgr.log.Error().
		Str("session", sess.info.ID).
		AnErr("exit", sess.proc.ExitErr()).
		Str("stderr", sess.proc.StderrTail()).
		Msg("recorder exited unexpectedly, clip incomplete")

	mgr.finalizeClip(sess)
}

// sampleRecorder logs the recorder's resource usage at debug level.
func (mgr *Manager) sampleRecorder(sess *session) {
	pid := sess.proc.Pid()
	if pid == 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	cpu, _ := proc.CPUPercent()
	var rss uint64
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	mgr.log.Debug().Str("session", sess.info.ID).
		Float64("cpu_percent", cpu).Uint64("rss_bytes", rss).
		Msg("recorder resource usage")
}

// finalizeClip checks the output after the recorder has exited. Empty files
// are removed; anything else is logged with its size so no recording ends
// without a trace in the log.
func (mgr *Manager) finalizeClip(sess *session) {
	duration := mgr.now().Sub(sess.info.StartedAt)

	st, err := os.Stat(sess.info.ClipPath)
	if err != nil {
		mgr.log.Warn().Str("session", sess.info.ID).Str("clip", sess.info.ClipPath).
			Msg("clip file was not created")
		return
	}
	if st.Size() == 0 {
		_ = os.Remove(sess.info.ClipPath)
		mgr.log.Warn().Str("session", sess.info.ID).Msg("clip file empty, removed")
		return
	}

	mgr.log.Info().Str("session", sess.info.ID).Str("clip", sess.info.ClipPath).
		Int64("bytes", st.Size()).Dur("duration", duration).
		Msg("clip saved")
}
