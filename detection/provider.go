package detection

import (
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/logger"
)

// InferenceProvider defines the interface for YOLO inference
type InferenceProvider interface {
	Initialize(weightsPath, configPath, namesPath string) error
	Detect(frame gocv.Mat) (*DetectionResult, error)
	Close() error
	GetProviderInfo() ProviderInfo
}

// ProviderInfo contains information about the inference provider
type ProviderInfo struct {
	Type         string        // "GPU" or "CPU"
	Backend      string        // "CUDA", "OpenCL", "CPU"
	Device       string        // Device identifier
	EstimatedFPS int           // Estimated inference FPS
	InitTime     time.Duration // Time taken to initialize
}

// ProviderManager picks the best available provider and forwards
// detection calls to it. GPU is tried first when allowed, with CPU as
// the fallback.
type ProviderManager struct {
	opts      Options
	preferGPU bool
	log       *logger.Logger

	// overridable in tests
	gpuAvailable func() bool
	newGPU       func(Options) InferenceProvider
	newCPU       func(Options) InferenceProvider

	currentProvider InferenceProvider
	providerInfo    ProviderInfo
}

// NewProviderManager creates a manager. preferGPU enables GPU detection.
func NewProviderManager(opts Options, preferGPU bool, log *logger.Logger) *ProviderManager {
	return &ProviderManager{
		opts:         opts.withDefaults(),
		preferGPU:    preferGPU,
		log:          log,
		gpuAvailable: hasGPUCapability,
		newGPU:       func(o Options) InferenceProvider { return NewGPUProvider(o) },
		newCPU:       func(o Options) InferenceProvider { return NewCPUProvider(o) },
	}
}

// Initialize performs auto-detection and initializes the best available provider
func (pm *ProviderManager) Initialize(weightsPath, configPath, namesPath string) error {
	if pm.preferGPU && pm.gpuAvailable() {
		gpu := pm.newGPU(pm.opts)
		start := time.Now()
		err := gpu.Initialize(weightsPath, configPath, namesPath)
		if err == nil && pm.testProvider(gpu) {
			pm.use(gpu, time.Since(start))
			return nil
		}
		pm.log.Warn("GPU provider unusable, falling back to CPU", "error", err)
		_ = gpu.Close()
	}

	cpu := pm.newCPU(pm.opts)
	start := time.Now()
	if err := cpu.Initialize(weightsPath, configPath, namesPath); err != nil {
		return errors.Wrap(err, "CPU provider failed")
	}
	pm.use(cpu, time.Since(start))
	return nil
}

func (pm *ProviderManager) use(p InferenceProvider, initTime time.Duration) {
	pm.currentProvider = p
	pm.providerInfo = p.GetProviderInfo()
	pm.providerInfo.InitTime = initTime
	pm.log.Info("inference provider ready",
		"type", pm.providerInfo.Type,
		"backend", pm.providerInfo.Backend,
		"init_time", initTime)
}

// Detect runs the active provider.
func (pm *ProviderManager) Detect(frame gocv.Mat) (*DetectionResult, error) {
	if pm.currentProvider == nil {
		return nil, errors.New("no inference provider initialized")
	}
	return pm.currentProvider.Detect(frame)
}

// GetProvider returns the current active provider
func (pm *ProviderManager) GetProvider() InferenceProvider {
	return pm.currentProvider
}

// GetProviderInfo returns information about the current provider
func (pm *ProviderManager) GetProviderInfo() ProviderInfo {
	return pm.providerInfo
}

// Close closes the current provider
func (pm *ProviderManager) Close() error {
	if pm.currentProvider != nil {
		return pm.currentProvider.Close()
	}
	return nil
}

// testProvider performs a quick test inference to verify the provider works
func (pm *ProviderManager) testProvider(provider InferenceProvider) bool {
	size := pm.opts.InputSize
	testFrame := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	defer testFrame.Close()

	_, err := provider.Detect(testFrame)
	return err == nil
}

// hasGPUCapability checks if GPU inference is possible
func hasGPUCapability() bool {
	return hasNVIDIAGPU() && hasNVIDIADriver()
}

// hasNVIDIAGPU checks if NVIDIA GPU is present
func hasNVIDIAGPU() bool {
	output, err := exec.Command("lspci").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(output)), "nvidia")
}

// hasNVIDIADriver checks if NVIDIA drivers are loaded
func hasNVIDIADriver() bool {
	if err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Run(); err != nil {
		return false
	}
	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}
