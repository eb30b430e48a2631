// Package pipeline runs detection, tracking, mask fusion, background
// maintenance and compositing for one video stream, frame by frame.
package pipeline

import (
	"image"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/background"
	"anoncam/composite"
	"anoncam/config"
	"anoncam/detection"
	"anoncam/fusion"
	"anoncam/logger"
	"anoncam/mask"
	"anoncam/tracking"
)

// ErrInvalidFrame is returned for frames the pipeline cannot process. No
// state changes when it is returned.
var ErrInvalidFrame = errors.New("invalid input frame")

// Detector finds objects in a frame.
type Detector interface {
	Detect(frame gocv.Mat) (*detection.DetectionResult, error)
}

// Option customises an Anonymizer.
type Option func(*Anonymizer)

// WithTrackerFactory replaces the tracker primitive chosen by the config.
func WithTrackerFactory(f tracking.Factory) Option {
	return func(a *Anonymizer) { a.newTracker = f }
}

// WithSubtractorFactory replaces the background subtractor chosen by the config.
func WithSubtractorFactory(f func() (background.Subtractor, error)) Option {
	return func(a *Anonymizer) { a.newSubtractor = f }
}

// WithPersonClass sets the class id treated as a person.
func WithPersonClass(id int) Option {
	return func(a *Anonymizer) { a.personClass = id }
}

// Anonymizer holds all per-stream state. It is not safe for concurrent use.
type Anonymizer struct {
	id          uuid.UUID
	log         *logger.Logger
	detector    Detector
	mode        composite.Mode
	blur        int
	dilation    mask.DilationParams
	debug       bool
	personClass int

	newTracker    tracking.Factory
	newSubtractor func() (background.Subtractor, error)

	tracks     *tracking.Manager // nil when tracking is disabled
	builder    *mask.CoverageBuilder
	maintainer *background.Maintainer
	compositor *composite.Compositor

	frameIndex   int
	lastCoverage float64
}

// FrameResult is the outcome of one frame. Output and Coverage are owned by
// the caller; Close releases them.
type FrameResult struct {
	Index      int
	Tracks     int // live tracks after association, 0 without tracking
	Phase      background.Phase
	Output     gocv.Mat
	Coverage   gocv.Mat
	Regions    []tracking.Region
	Debug      []tracking.Region // every class, debug mode only
	Detections *detection.DetectionResult
}

// Close releases the Mats.
func (r *FrameResult) Close() {
	r.Output.Close()
	r.Coverage.Close()
}

// New wires a pipeline from configuration.
func New(cfg *config.Config, detector Detector, log *logger.Logger, opts ...Option) (*Anonymizer, error) {
	mode, err := composite.ParseMode(cfg.Anonymize.Mode)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	log = log.WithFields("pipeline_id", id.String())
	a := &Anonymizer{
		id:       id,
		log:      log,
		detector: detector,
		mode:     mode,
		blur:     cfg.Anonymize.BlurStrength,
		debug:    cfg.Display.Debug,
		dilation: mask.DilationParams{
			Factor:     cfg.Masking.DilationFactor,
			Min:        cfg.Masking.MinDilation,
			Max:        cfg.Masking.MaxDilation,
			Iterations: cfg.Masking.DilationIterations,
		},
		personClass: detection.DefaultPersonClassID,
		newTracker:  tracking.NewFactory(cfg.Tracking.TrackerType, cfg.Tracking.MaxCoast, log),
		newSubtractor: func() (background.Subtractor, error) {
			return background.NewSubtractor(cfg.Background.Method, cfg.Background.History, cfg.Background.Threshold)
		},
		builder:    mask.NewCoverageBuilder(log.Named("mask")),
		compositor: composite.New(log.Named("composite")),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Tracking.Enabled {
		a.tracks = tracking.NewManager(tracking.ManagerConfig{
			IoUThreshold: cfg.Tracking.IoUThreshold,
			TrackHistory: cfg.Tracking.TrackHistory,
			ClassID:      a.personClass,
		}, a.newTracker, log.Named("tracking"))
	}

	a.maintainer, err = background.NewMaintainer(background.Config{
		WarmupFrames: cfg.Background.WarmupFrames,
		LearningRate: cfg.Background.LearningRate,
		WarmupDilation: mask.DilationParams{
			Factor:     cfg.Masking.WarmupDilationFactor,
			Min:        cfg.Masking.MinDilation,
			Max:        2 * cfg.Masking.MaxDilation,
			Iterations: cfg.Masking.WarmupDilationIterations,
		},
	}, a.newSubtractor, a.builder)
	if err != nil {
		return nil, err
	}

	log.Info("pipeline ready",
		"mode", string(mode),
		"tracking", cfg.Tracking.Enabled,
		"tracker_type", cfg.Tracking.TrackerType,
		"bg_method", cfg.Background.Method,
		"warmup_frames", cfg.Background.WarmupFrames)
	return a, nil
}

// ID identifies this pipeline in logs.
func (a *Anonymizer) ID() uuid.UUID {
	return a.id
}

// Phase reports the background model phase.
func (a *Anonymizer) Phase() background.Phase {
	return a.maintainer.Phase()
}

// Background returns the maintained background. The Mat stays owned by the
// pipeline and is valid until the next ProcessFrame or Reset.
func (a *Anonymizer) Background() gocv.Mat {
	return a.maintainer.Background()
}

// LastCoverage is the fraction of the last frame that was anonymized.
func (a *Anonymizer) LastCoverage() float64 {
	return a.lastCoverage
}

// NativeBackground renders the subtractor's own estimate when available.
func (a *Anonymizer) NativeBackground(dst *gocv.Mat) (bool, error) {
	return a.maintainer.NativeBackground(dst)
}

// ProcessFrame anonymizes one BGR frame.
func (a *Anonymizer) ProcessFrame(frame gocv.Mat) (*FrameResult, error) {
	if frame.Empty() {
		return nil, errors.Wrap(ErrInvalidFrame, "empty frame")
	}
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return nil, errors.Wrapf(ErrInvalidFrame, "expected 8-bit BGR frame, got type %v", frame.Type())
	}

	index := a.frameIndex
	a.frameIndex++
	size := image.Pt(frame.Cols(), frame.Rows())

	dets, err := a.detector.Detect(frame)
	if err != nil || dets == nil {
		a.log.Warn("detection failed, relying on tracks", "frame", index, "error", err)
		dets = &detection.DetectionResult{}
	}

	in := fusion.Input{
		Result:      dets,
		PersonClass: a.personClass,
		FrameIndex:  index,
		FrameSize:   size,
	}
	if a.tracks != nil {
		a.tracks.Advance(frame, index)
		in.TrackIDs = a.tracks.Associate(frame, dets.Detections)
		in.Tracks = a.tracks.Tracks()
	}
	fused := fusion.Fuse(in, a.debug)

	masks := fused.Masks()
	coverage, err := a.builder.Build(size, masks, a.dilation)
	if err != nil {
		return nil, errors.Wrap(err, "build coverage mask")
	}

	if err := a.maintainer.Update(frame, masks, coverage); err != nil {
		a.log.Warn("background update skipped", "frame", index, "error", err)
	}

	a.lastCoverage = float64(gocv.CountNonZero(coverage)) / float64(size.X*size.Y)
	output := a.compositor.Composite(frame, coverage, a.mode, a.maintainer.Background(), a.blur, fused.Boxes())

	a.log.Debug("frame processed",
		"frame", index,
		"detections", len(dets.Detections),
		"persons", len(dets.OfClass(a.personClass)),
		"regions", len(fused.Active),
		"phase", a.maintainer.Phase().String())

	tracks := 0
	if a.tracks != nil {
		tracks = a.tracks.Len()
	}

	return &FrameResult{
		Index:      index,
		Tracks:     tracks,
		Phase:      a.maintainer.Phase(),
		Output:     output,
		Coverage:   coverage,
		Regions:    fused.Active,
		Debug:      fused.Debug,
		Detections: dets,
	}, nil
}

// Reset restarts the stream state: the subtractor is rebuilt, the
// background cleared, counters zeroed and tracks dropped. Track ids keep
// increasing across resets.
func (a *Anonymizer) Reset() error {
	if err := a.maintainer.Reset(); err != nil {
		return err
	}
	if a.tracks != nil {
		a.tracks.Reset()
	}
	a.frameIndex = 0
	a.lastCoverage = 0
	a.log.Info("pipeline reset")
	return nil
}

// Close releases trackers and the background model.
func (a *Anonymizer) Close() error {
	if a.tracks != nil {
		_ = a.tracks.Close()
	}
	return a.maintainer.Close()
}
