package record

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
)

// CaptureProcess is one running external recorder. The session manager owns
// the handle exclusively from Start until Stop returns.
type CaptureProcess interface {
	// Stop requests graceful termination so the output file is finalized,
	// then kills the process if it ignores the request for the grace period.
	Stop(grace time.Duration) error
	// Done is closed when the process has exited for any reason.
	Done() <-chan struct{}
	// ExitErr reports the process exit error; valid once Done is closed.
	ExitErr() error
	// StderrTail returns the last captured stderr output for diagnostics.
	StderrTail() string
	Pid() int
}

// CaptureRunner launches capture processes. Tests substitute a fake.
type CaptureRunner interface {
	Start(streamURL, outPath string) (CaptureProcess, error)
}

// StreamURL builds the camera's RTSP main-stream URL. Reolink channel
// numbering in the path starts at 01, so channel 0 maps to Preview_01_main.
func StreamURL(cam config.Camera) string {
	prefix := "Preview"
	if cam.Stream == "h265" {
		prefix = "h265Preview"
	}
	return fmt.Sprintf("rtsp://%s:%s@%s:%d/%s_%02d_main",
		cam.Username, cam.Password, cam.Host, cam.RTSPPort, prefix, cam.Channel+1)
}

// FFmpegRunner records by spawning ffmpeg in stream-copy mode: the video
// track is copied without re-encoding, audio is transcoded to AAC so the
// MP4 container accepts it.
type FFmpegRunner struct {
	Binary string
	log    zerolog.Logger
}

func NewFFmpegRunner(logger zerolog.Logger) *FFmpegRunner {
	return &FFmpegRunner{Binary: "ffmpeg", log: logger}
}

func (r *FFmpegRunner) Start(streamURL, outPath string) (CaptureProcess, error) {
	cmd := exec.Command(r.Binary,
		"-hide_banner",
		"-loglevel", "error",
		"-rtsp_transport", "tcp", // TCP is more reliable than UDP for RTSP
		"-i", streamURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y",
		outPath,
	)

	// stdin stays open: writing 'q' is how ffmpeg is told to finalize the
	// MP4 and exit cleanly.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	tail := newTailBuffer(4096)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.Binary, err)
	}

	p := &ffmpegProcess{
		cmd:    cmd,
		stdin:  stdin,
		stderr: tail,
		done:   make(chan struct{}),
	}

	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type ffmpegProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *tailBuffer
	done    chan struct{}
	exitErr error
	stopOne sync.Once
	stopErr error
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) ExitErr() error { return p.exitErr }

func (p *ffmpegProcess) StderrTail() string { return p.stderr.String() }

func (p *ffmpegProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ffmpegProcess) Stop(grace time.Duration) error {
	p.stopOne.Do(func() { p.stopErr = p.stop(grace) })
	return p.stopErr
}

func (p *ffmpegProcess) stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil // already exited
	default:
	}

	// Graceful path first: 'q' lets ffmpeg flush and write the moov atom.
	if _, err := p.stdin.Write([]byte("q")); err == nil {
		_ = p.stdin.Close()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing recorder: %w", err)
	}
	<-p.done
	return nil
}

// tailBuffer keeps the last max bytes written, so fault logs can include
// ffmpeg's final stderr output without unbounded memory.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
