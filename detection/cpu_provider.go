package detection

import (
	"gocv.io/x/gocv"
)

// CPUProvider implements YOLO inference using OpenCV CPU backend
type CPUProvider struct {
	yoloNet
}

// NewCPUProvider returns an uninitialised CPU provider.
func NewCPUProvider(opts Options) *CPUProvider {
	return &CPUProvider{yoloNet{opts: opts}}
}

// Initialize loads the model on the default OpenCV backend.
func (cp *CPUProvider) Initialize(weightsPath, configPath, namesPath string) error {
	return cp.load(weightsPath, configPath, namesPath, gocv.NetBackendDefault, gocv.NetTargetCPU)
}

// Detect performs object detection on a frame using CPU
func (cp *CPUProvider) Detect(frame gocv.Mat) (*DetectionResult, error) {
	return cp.detect(frame)
}

// Close releases resources used by the CPU provider
func (cp *CPUProvider) Close() error {
	return cp.close()
}

// GetProviderInfo returns information about the CPU provider
func (cp *CPUProvider) GetProviderInfo() ProviderInfo {
	return ProviderInfo{
		Type:         "CPU",
		Backend:      "OpenCV CPU",
		Device:       "CPU",
		EstimatedFPS: 15,
	}
}
