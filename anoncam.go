package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/config"
	"anoncam/detection"
	"anoncam/geom"
	"anoncam/logger"
	"anoncam/overlay"
	"anoncam/pipeline"
)

var (
	configPath     = flag.String("config", "", "YAML configuration file (optional, flags override it)")
	inputSource    = flag.String("input", "", "Video file, stream URL or camera index\n\t\tExample: -input=0 or -input=lobby.mp4")
	outputTarget   = flag.String("output", "", "Output video file or ffmpeg stream URL (rtmp://, srt://, udp://)")
	maxWidth       = flag.Int("max-width", 0, "Downscale frames wider than this, preserving aspect ratio")
	bgMethod       = flag.String("method", "", "Background subtractor: AVG, MOG2 or KNN")
	anonMode       = flag.String("mode", "", "Anonymization mode: blur, background or solid")
	blurStrength   = flag.Int("blur", 0, "Blur kernel size for blur mode (odd)")
	confidence     = flag.Float64("confidence", 0, "Detector confidence threshold (0.0-1.0)")
	trackerType    = flag.String("tracker", "", "Tracker: KCF, CSRT, MIL or KALMAN")
	noTracking     = flag.Bool("no-tracking", false, "Disable tracking and rely on per-frame detection")
	warmupFrames   = flag.Int("warmup", 0, "Number of warm-up frames for the background model")
	learningRate   = flag.Float64("learning-rate", 0, "Steady-state background learning rate")
	dilationFactor = flag.Float64("dilation-factor", 0, "Mask dilation as a fraction of region size")
	preview        = flag.Bool("preview", false, "Show preview windows")
	debugModel     = flag.Bool("debug", false, "Show every detection with class names in a separate window")
	showDetections = flag.Bool("show-detections", false, "Draw tracked regions on the output")
	logLevel       = flag.String("log-level", "", "Log level: debug, info, warn, error")
)

const (
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		fmt.Fprintln(os.Stderr, "Use -h for flag descriptions")
		os.Exit(exitConfig)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("anonymizer stopped", "error", err)
		log.Sync()
		os.Exit(exitRuntime)
	}
}

// loadConfig reads the optional config file and applies explicitly set
// flags on top of it.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Video.Input = *inputSource
		case "output":
			cfg.Video.Output = *outputTarget
		case "max-width":
			cfg.Video.MaxWidth = *maxWidth
		case "method":
			cfg.Background.Method = *bgMethod
		case "mode":
			cfg.Anonymize.Mode = *anonMode
		case "blur":
			cfg.Anonymize.BlurStrength = *blurStrength
		case "confidence":
			cfg.Detector.ConfidenceThreshold = *confidence
		case "tracker":
			cfg.Tracking.TrackerType = *trackerType
		case "no-tracking":
			cfg.Tracking.Enabled = !*noTracking
		case "warmup":
			cfg.Background.WarmupFrames = *warmupFrames
		case "learning-rate":
			cfg.Background.LearningRate = *learningRate
		case "dilation-factor":
			cfg.Masking.DilationFactor = *dilationFactor
		case "preview":
			cfg.Display.Preview = *preview
		case "debug":
			cfg.Display.Debug = *debugModel
		case "show-detections":
			cfg.Display.ShowDetections = *showDetections
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if cfg.Video.Input == "" {
		return nil, errors.New("an input is required (-input or video.input)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	detector := detection.NewProviderManager(detection.Options{
		InputSize:           cfg.Detector.InputSize,
		ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
		NMSThreshold:        cfg.Detector.NMSThreshold,
	}, cfg.Detector.PreferGPU, log.Named("detection"))
	if err := detector.Initialize(cfg.Detector.Weights, cfg.Detector.Config, cfg.Detector.Names); err != nil {
		return errors.Wrap(err, "initialize detector")
	}
	defer detector.Close()

	names, err := detection.LoadClassNames(cfg.Detector.Names)
	if err != nil {
		return err
	}
	personClass := detection.PersonClassID(names)

	anon, err := pipeline.New(cfg, detector, log, pipeline.WithPersonClass(personClass))
	if err != nil {
		return err
	}
	defer anon.Close()

	capture, err := openCapture(cfg.Video.Input)
	if err != nil {
		return err
	}
	defer capture.Close()

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || fps > 240 {
		fps = 30
	}

	frame := gocv.NewMat()
	defer frame.Close()
	if ok := capture.Read(&frame); !ok || frame.Empty() {
		return errors.New("could not read first frame")
	}
	size := geom.ScaleToFit(image.Pt(frame.Cols(), frame.Rows()), cfg.Video.MaxWidth)
	log.Info("input opened",
		"pipeline_id", anon.ID().String(),
		"input", cfg.Video.Input,
		"source_size", fmt.Sprintf("%dx%d", frame.Cols(), frame.Rows()),
		"process_size", fmt.Sprintf("%dx%d", size.X, size.Y),
		"fps", fps,
		"person_class", personClass,
		"provider", detector.GetProviderInfo().Type)

	out, err := openOutput(ctx, cfg, size, fps, log)
	if err != nil {
		return err
	}
	defer out.Close()

	var view *previewer
	if cfg.Display.Preview || cfg.Display.Debug {
		view = newPreviewer(cfg.Display.Debug, log)
		defer view.Close()
	}

	renderer := overlay.NewRenderer()
	stats := NewPipelineStats()
	scaled := gocv.NewMat()
	defer scaled.Close()
	lastTracks := 0

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, finishing")
			logSummary(log, stats)
			return nil
		default:
		}

		input := frame
		if size.X != frame.Cols() || size.Y != frame.Rows() {
			gocv.Resize(frame, &scaled, size, 0, 0, gocv.InterpolationArea)
			input = scaled
		}

		start := time.Now()
		res, err := anon.ProcessFrame(input)
		if err != nil {
			stats.Skip()
			log.Warn("frame skipped", "error", err)
		} else {
			stats.Observe(time.Since(start))
			renderer.UpdateAnimation(time.Since(start).Seconds())
			if n := len(res.Regions); n != lastTracks {
				renderer.LogEvent("TRACK", fmt.Sprintf("%d region(s) active", n))
				lastTracks = n
			}

			if cfg.Display.ShowDetections {
				renderer.DrawRegions(&res.Output, res.Regions, res.Index)
			}
			if cfg.Display.ShowStatus {
				renderer.DrawStatus(&res.Output, statusLines(res, stats, cfg))
			}
			if err := out.Write(res.Output); err != nil {
				res.Close()
				return errors.Wrap(err, "write output")
			}
			if view != nil {
				key := view.Show(res, input, anon, renderer)
				switch key {
				case 'q', 27:
					res.Close()
					logSummary(log, stats)
					return nil
				case 'r':
					if err := anon.Reset(); err != nil {
						log.Warn("reset failed", "error", err)
					} else {
						renderer.LogEvent("BG", "background model reset")
					}
				}
			}
			res.Close()
		}

		if ok := capture.Read(&frame); !ok || frame.Empty() {
			log.Info("end of input")
			break
		}
	}

	logSummary(log, stats)
	return nil
}

func openCapture(input string) (*gocv.VideoCapture, error) {
	if idx, err := strconv.Atoi(input); err == nil {
		c, err := gocv.VideoCaptureDevice(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "open camera %d", idx)
		}
		return c, nil
	}
	c, err := gocv.VideoCaptureFile(input)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", input)
	}
	return c, nil
}

func statusLines(res *pipeline.FrameResult, stats *PipelineStats, cfg *config.Config) []string {
	return []string{
		fmt.Sprintf("Frame: %d  FPS: %.1f", res.Index, stats.FPS()),
		fmt.Sprintf("Method: %s  Mode: %s  Phase: %s", cfg.Background.Method, cfg.Anonymize.Mode, res.Phase),
		fmt.Sprintf("Regions: %d  Tracks: %d", len(res.Regions), res.Tracks),
	}
}

func logSummary(log *logger.Logger, stats *PipelineStats) {
	s := stats.Summary()
	log.Info("run summary",
		"frames", s.Frames,
		"skipped", s.Skipped,
		"elapsed", s.Elapsed.Round(time.Millisecond).String(),
		"mean_latency", s.MeanLatency.String(),
		"stddev_latency", s.StdDev.String(),
		"p95_latency", s.P95Latency.String(),
		"average_fps", fmt.Sprintf("%.1f", s.AverageFPS))
}
