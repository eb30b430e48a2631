// Package ffmpeg streams processed frames to an ffmpeg encoder process.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/logger"
)

// Options describe one encoder run.
type Options struct {
	Binary    string // defaults to "ffmpeg"
	Output    string // file path or stream URL
	FrameSize image.Point
	FPS       float64
	Encoder   string // libx264 unless set
	Bitrate   string // e.g. "4000k"; empty lets the encoder choose
}

// BuildArgs returns the ffmpeg arguments for raw BGR frames on stdin.
func BuildArgs(opts Options) []string {
	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}
	encoder := opts.Encoder
	if encoder == "" {
		encoder = "libx264"
	}
	gop := fmt.Sprintf("%d", int(fps+0.5))

	args := []string{
		"-hide_banner", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", opts.FrameSize.X, opts.FrameSize.Y),
		"-r", fmt.Sprintf("%.3f", fps),
		"-i", "-",
		"-g", gop,
		"-keyint_min", gop,
		"-pix_fmt", "yuv420p",
		"-c:v", encoder,
	}
	if encoder == "libx264" {
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency")
	}
	if opts.Bitrate != "" {
		args = append(args, "-b:v", opts.Bitrate, "-maxrate", opts.Bitrate)
	}
	switch format := containerFormat(opts.Output); format {
	case "":
	case "rtsp":
		args = append(args, "-f", format, "-rtsp_transport", "tcp")
	default:
		args = append(args, "-f", format)
	}
	return append(args, opts.Output)
}

// containerFormat picks the muxer for stream URLs. Files are left to
// ffmpeg's extension detection.
func containerFormat(output string) string {
	switch {
	case strings.HasPrefix(output, "rtmp://"), strings.HasPrefix(output, "rtmps://"):
		return "flv"
	case strings.HasPrefix(output, "rtsp://"):
		return "rtsp"
	case strings.HasPrefix(output, "udp://"), strings.HasPrefix(output, "srt://"):
		return "mpegts"
	case filepath.Ext(output) == "":
		return "matroska"
	}
	return ""
}

// IsStreamURL reports whether output should go through ffmpeg rather than
// a local video writer.
func IsStreamURL(output string) bool {
	i := strings.Index(output, "://")
	return i > 0 && !strings.HasPrefix(output, "file://")
}

// Sink writes frames to a running ffmpeg process.
type Sink struct {
	opts    Options
	log     *logger.Logger
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writer  *bufio.Writer
	monitor *HealthMonitor
	done    chan struct{}
	frames  int
	mu      sync.Mutex
}

// NewSink prepares a sink. Start launches the process.
func NewSink(opts Options, log *logger.Logger) *Sink {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}
	// 200 frames without progress
	timeout := time.Duration(200 / fps * float64(time.Second))
	return &Sink{
		opts:    opts,
		log:     log.Named("ffmpeg"),
		monitor: NewHealthMonitor(timeout, log.Named("ffmpeg")),
	}
}

// Start launches ffmpeg. The process is killed when ctx is cancelled.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.FrameSize.X <= 0 || s.opts.FrameSize.Y <= 0 {
		return errors.Errorf("invalid frame size %v", s.opts.FrameSize)
	}
	if s.opts.Output == "" {
		return errors.New("no output configured")
	}

	s.cmd = exec.CommandContext(ctx, s.opts.Binary, BuildArgs(s.opts)...)
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "could not get FFmpeg stdin")
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "could not get FFmpeg stderr")
	}

	s.log.Info("starting ffmpeg", "command", s.opts.Binary+" "+strings.Join(s.cmd.Args[1:], " "))
	if err := s.cmd.Start(); err != nil {
		return errors.Wrap(err, "could not start FFmpeg")
	}
	s.monitor.reset()
	s.stdin = stdin
	s.writer = bufio.NewWriterSize(stdin, 3*s.opts.FrameSize.X*s.opts.FrameSize.Y)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.monitor.Watch(stderr)
	}()
	return nil
}

// WriteFrame sends one BGR frame. Frames of the wrong size are rejected.
func (s *Sink) WriteFrame(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return errors.New("ffmpeg sink not started")
	}
	if frame.Cols() != s.opts.FrameSize.X || frame.Rows() != s.opts.FrameSize.Y || frame.Type() != gocv.MatTypeCV8UC3 {
		return errors.Errorf("frame %dx%d does not match sink %dx%d", frame.Cols(), frame.Rows(), s.opts.FrameSize.X, s.opts.FrameSize.Y)
	}
	if ok, reason := s.monitor.Healthy(); !ok {
		s.monitor.DumpCrashInfo()
		return errors.Errorf("ffmpeg unhealthy: %s", reason)
	}
	if _, err := s.writer.Write(frame.ToBytes()); err != nil {
		return errors.Wrap(err, "write frame to ffmpeg")
	}
	if err := s.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush frame to ffmpeg")
	}
	s.frames++
	return nil
}

// Frames returns the number of frames written.
func (s *Sink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close flushes, closes stdin and waits for ffmpeg to finish.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.writer == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	_ = s.stdin.Close()
	<-s.done
	waitErr := s.cmd.Wait()
	s.writer = nil

	s.log.Info("ffmpeg finished", "frames", s.frames, "encoder_frames", s.monitor.LastFrame())
	if waitErr != nil {
		s.monitor.DumpCrashInfo()
		return errors.Wrap(waitErr, "ffmpeg exited")
	}
	return flushErr
}
