package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full anonymizer configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Video      VideoConfig      `yaml:"video"`
	Detector   DetectorConfig   `yaml:"detector"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Masking    MaskingConfig    `yaml:"masking"`
	Background BackgroundConfig `yaml:"background"`
	Anonymize  AnonymizeConfig  `yaml:"anonymize"`
	Display    DisplayConfig    `yaml:"display"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// VideoConfig describes the input and output streams.
type VideoConfig struct {
	Input    string `yaml:"input"`     // file path, URL or camera index
	Output   string `yaml:"output"`    // file path, ffmpeg URL (rtmp://, srt://, udp://) or empty
	Codec    string `yaml:"codec"`     // fourcc for file output
	MaxWidth int    `yaml:"max_width"` // frames wider than this are downscaled, 0 disables
}

// DetectorConfig points at the YOLO model files. Weights may be a darknet
// .weights file with its .cfg, or an ONNX export (detection or
// segmentation) with Config left empty.
type DetectorConfig struct {
	Weights             string  `yaml:"weights"`
	Config              string  `yaml:"config"`
	Names               string  `yaml:"names"`
	InputSize           int     `yaml:"input_size"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	NMSThreshold        float64 `yaml:"nms_threshold"`
	PreferGPU           bool    `yaml:"prefer_gpu"`
}

// TrackingConfig configures the track manager.
type TrackingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	TrackerType  string  `yaml:"tracker_type"`
	TrackHistory int     `yaml:"track_history"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	MaxCoast     int     `yaml:"max_coast"` // KALMAN tracker only
}

// MaskingConfig configures adaptive dilation of region masks.
type MaskingConfig struct {
	DilationFactor           float64 `yaml:"dilation_factor"`
	MinDilation              int     `yaml:"min_dilation"`
	MaxDilation              int     `yaml:"max_dilation"`
	DilationIterations       int     `yaml:"dilation_iterations"`
	WarmupDilationFactor     float64 `yaml:"warmup_dilation_factor"`
	WarmupDilationIterations int     `yaml:"warmup_dilation_iterations"`
}

// BackgroundConfig configures the background model.
type BackgroundConfig struct {
	Method       string  `yaml:"method"` // AVG, MOG2 or KNN
	LearningRate float64 `yaml:"learning_rate"`
	Threshold    float64 `yaml:"bg_threshold"` // 0 selects the method default
	History      int     `yaml:"history"`
	WarmupFrames int     `yaml:"warmup_frames"` // 0 starts in steady state
}

// AnonymizeConfig selects the compositing mode.
type AnonymizeConfig struct {
	Mode         string `yaml:"mode"` // blur, background or solid
	BlurStrength int    `yaml:"blur_strength"`
}

// DisplayConfig controls preview windows and overlays.
type DisplayConfig struct {
	Preview        bool `yaml:"preview"`
	Debug          bool `yaml:"debug"`
	ShowDetections bool `yaml:"show_detections"`
	ShowStatus     bool `yaml:"show_status"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	// fields where zero is a valid explicit choice are seeded here, before
	// YAML is decoded on top
	cfg := &Config{
		Tracking:   TrackingConfig{Enabled: true},
		Background: BackgroundConfig{WarmupFrames: 30},
		Display:    DisplayConfig{ShowStatus: true},
	}
	cfg.setDefaults()
	return cfg
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults fills zero values.
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Video.Codec == "" {
		c.Video.Codec = "mp4v"
	}
	if c.Video.MaxWidth == 0 {
		c.Video.MaxWidth = 1024
	}

	if c.Detector.InputSize == 0 {
		c.Detector.InputSize = 416
	}
	if c.Detector.ConfidenceThreshold == 0 {
		c.Detector.ConfidenceThreshold = 0.2
	}
	if c.Detector.NMSThreshold == 0 {
		c.Detector.NMSThreshold = 0.45
	}

	if c.Tracking.TrackerType == "" {
		c.Tracking.TrackerType = "KCF"
	}
	if c.Tracking.TrackHistory == 0 {
		c.Tracking.TrackHistory = 15
	}
	if c.Tracking.IoUThreshold == 0 {
		c.Tracking.IoUThreshold = 0.3
	}
	if c.Tracking.MaxCoast == 0 {
		c.Tracking.MaxCoast = 10
	}

	if c.Masking.DilationFactor == 0 {
		c.Masking.DilationFactor = 0.1
	}
	if c.Masking.MinDilation == 0 {
		c.Masking.MinDilation = 5
	}
	if c.Masking.MaxDilation == 0 {
		c.Masking.MaxDilation = 30
	}
	if c.Masking.DilationIterations == 0 {
		c.Masking.DilationIterations = 1
	}
	if c.Masking.WarmupDilationFactor == 0 {
		c.Masking.WarmupDilationFactor = 0.15
	}
	if c.Masking.WarmupDilationIterations == 0 {
		c.Masking.WarmupDilationIterations = 2
	}

	if c.Background.Method == "" {
		c.Background.Method = "AVG"
	}
	if c.Background.LearningRate == 0 {
		c.Background.LearningRate = 0.01
	}
	if c.Background.History == 0 {
		c.Background.History = 500
	}

	if c.Anonymize.Mode == "" {
		c.Anonymize.Mode = "background"
	}
	if c.Anonymize.BlurStrength == 0 {
		c.Anonymize.BlurStrength = 41
	}
}

// Validate checks every tunable against its accepted range.
func (c *Config) Validate() error {
	if c.Detector.ConfidenceThreshold <= 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0, 1], got %f", c.Detector.ConfidenceThreshold)
	}
	if c.Detector.NMSThreshold <= 0 || c.Detector.NMSThreshold > 1 {
		return fmt.Errorf("nms_threshold must be in (0, 1], got %f", c.Detector.NMSThreshold)
	}
	if c.Detector.InputSize < 32 || c.Detector.InputSize%32 != 0 {
		return fmt.Errorf("input_size must be a positive multiple of 32, got %d", c.Detector.InputSize)
	}
	if c.Video.MaxWidth < 0 {
		return fmt.Errorf("max_width must be non-negative, got %d", c.Video.MaxWidth)
	}

	switch c.Tracking.TrackerType {
	case "KCF", "CSRT", "MIL", "KALMAN":
	default:
		return fmt.Errorf("tracker_type must be one of KCF, CSRT, MIL, KALMAN, got %q", c.Tracking.TrackerType)
	}
	if c.Tracking.TrackHistory < 1 {
		return fmt.Errorf("track_history must be positive, got %d", c.Tracking.TrackHistory)
	}
	if c.Tracking.IoUThreshold < 0 || c.Tracking.IoUThreshold >= 1 {
		return fmt.Errorf("iou_threshold must be in [0, 1), got %f", c.Tracking.IoUThreshold)
	}
	if c.Tracking.MaxCoast < 1 {
		return fmt.Errorf("max_coast must be positive, got %d", c.Tracking.MaxCoast)
	}

	m := c.Masking
	if m.DilationFactor <= 0 || m.WarmupDilationFactor <= 0 {
		return fmt.Errorf("dilation factors must be positive, got %f and %f", m.DilationFactor, m.WarmupDilationFactor)
	}
	if m.MinDilation < 1 || m.MaxDilation < m.MinDilation {
		return fmt.Errorf("dilation bounds must satisfy 1 <= min <= max, got [%d, %d]", m.MinDilation, m.MaxDilation)
	}
	if m.DilationIterations < 1 || m.WarmupDilationIterations < 1 {
		return fmt.Errorf("dilation iterations must be positive, got %d and %d", m.DilationIterations, m.WarmupDilationIterations)
	}

	switch c.Background.Method {
	case "AVG", "MOG2", "KNN":
	default:
		return fmt.Errorf("background method must be one of AVG, MOG2, KNN, got %q", c.Background.Method)
	}
	if c.Background.LearningRate <= 0 || c.Background.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0, 1], got %f", c.Background.LearningRate)
	}
	if c.Background.Threshold < 0 {
		return fmt.Errorf("bg_threshold must be non-negative, got %f", c.Background.Threshold)
	}
	if c.Background.WarmupFrames < 0 {
		return fmt.Errorf("warmup_frames must be non-negative, got %d", c.Background.WarmupFrames)
	}

	switch c.Anonymize.Mode {
	case "blur", "background", "solid":
	default:
		return fmt.Errorf("mode must be one of blur, background, solid, got %q", c.Anonymize.Mode)
	}
	if c.Anonymize.BlurStrength < 1 {
		return fmt.Errorf("blur_strength must be positive, got %d", c.Anonymize.BlurStrength)
	}
	return nil
}
