package main

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/config"
	"anoncam/logger"
	"anoncam/overlay"
	"anoncam/pipeline"
	"anoncam/pkg/ffmpeg"
)

// frameWriter receives anonymized frames.
type frameWriter interface {
	Write(frame gocv.Mat) error
	Close() error
}

type discardWriter struct{}

func (discardWriter) Write(gocv.Mat) error { return nil }
func (discardWriter) Close() error         { return nil }

type fileWriter struct {
	w *gocv.VideoWriter
}

func (f fileWriter) Write(frame gocv.Mat) error { return f.w.Write(frame) }
func (f fileWriter) Close() error               { return f.w.Close() }

type sinkWriter struct {
	s *ffmpeg.Sink
}

func (s sinkWriter) Write(frame gocv.Mat) error { return s.s.WriteFrame(frame) }
func (s sinkWriter) Close() error               { return s.s.Close() }

// openOutput picks the writer for the configured output: nothing, a local
// video file, or an ffmpeg process for stream URLs.
func openOutput(ctx context.Context, cfg *config.Config, size image.Point, fps float64, log *logger.Logger) (frameWriter, error) {
	target := cfg.Video.Output
	switch {
	case target == "":
		log.Info("no output configured, frames are only previewed")
		return discardWriter{}, nil
	case ffmpeg.IsStreamURL(target):
		sink := ffmpeg.NewSink(ffmpeg.Options{Output: target, FrameSize: size, FPS: fps}, log)
		if err := sink.Start(ctx); err != nil {
			return nil, errors.Wrap(err, "start ffmpeg output")
		}
		return sinkWriter{sink}, nil
	default:
		w, err := gocv.VideoWriterFile(target, cfg.Video.Codec, fps, size.X, size.Y, true)
		if err != nil {
			return nil, errors.Wrapf(err, "open output %s", target)
		}
		log.Info("writing output", "path", target, "codec", cfg.Video.Codec)
		return fileWriter{w}, nil
	}
}

// previewer owns the preview windows.
type previewer struct {
	output     *gocv.Window
	background *gocv.Window
	detections *gocv.Window // debug only
	native     *gocv.Window // debug only, opened on the first estimate
	nativeMat  gocv.Mat
	log        *logger.Logger
}

func newPreviewer(debug bool, log *logger.Logger) *previewer {
	p := &previewer{
		output:     gocv.NewWindow("Anonymized"),
		background: gocv.NewWindow("Background model with tracking"),
		nativeMat:  gocv.NewMat(),
		log:        log,
	}
	if debug {
		p.detections = gocv.NewWindow("Detections")
	}
	return p
}

// Show refreshes every window and returns the pressed key, or -1.
func (p *previewer) Show(res *pipeline.FrameResult, input gocv.Mat, anon *pipeline.Anonymizer, r *overlay.Renderer) int {
	p.output.IMShow(res.Output)

	if background := anon.Background(); !background.Empty() {
		bg := background.Clone()
		r.DrawRegions(&bg, res.Regions, res.Index)
		p.background.IMShow(bg)
		bg.Close()
	}

	if p.detections != nil {
		raw := input.Clone()
		r.DrawDetections(&raw, res.Detections)
		p.detections.IMShow(raw)
		raw.Close()
		p.showNative(anon)
	}
	return p.output.WaitKey(1)
}

// showNative displays the subtractor's own background estimate, for
// comparison with the maintained one.
func (p *previewer) showNative(anon *pipeline.Anonymizer) {
	ok, err := anon.NativeBackground(&p.nativeMat)
	if err != nil {
		p.log.Debug("native background unavailable", "error", err)
		return
	}
	if !ok || p.nativeMat.Empty() {
		return
	}
	if p.native == nil {
		p.native = gocv.NewWindow("Subtractor background")
	}
	p.native.IMShow(p.nativeMat)
}

func (p *previewer) Close() {
	p.output.Close()
	p.background.Close()
	if p.detections != nil {
		p.detections.Close()
	}
	if p.native != nil {
		p.native.Close()
	}
	p.nativeMat.Close()
}
