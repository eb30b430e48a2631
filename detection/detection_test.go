package detection

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"anoncam/logger"
)

func TestPersonClassID(t *testing.T) {
	assert.Equal(t, 0, PersonClassID([]string{"person", "bicycle"}))
	assert.Equal(t, 2, PersonClassID([]string{"car", "dog", " Person "}))
	assert.Equal(t, DefaultPersonClassID, PersonClassID(nil))

	var r *DetectionResult
	assert.Equal(t, "", r.ClassName(0))
}

func TestOfClass(t *testing.T) {
	r := &DetectionResult{
		Detections: []Detection{{ClassID: 0}, {ClassID: 3}, {ClassID: 0}},
		ClassNames: []string{"person", "bicycle", "car", "motorbike"},
	}
	assert.Len(t, r.OfClass(0), 2)
	assert.Equal(t, "motorbike", r.ClassName(3))
	assert.Equal(t, "", r.ClassName(9))
}

func TestLetterboxRoundTrip(t *testing.T) {
	lb := newLetterbox(image.Pt(1280, 720), 416)
	assert.Equal(t, image.Pt(416, 234), lb.scaled)
	assert.Equal(t, 0, lb.padX)
	assert.Equal(t, 91, lb.padY)

	// a box centred in the frame maps to the centre of the network input
	box := lb.toFrame(0.5, 0.5, 0.25, 0.25)
	cx, cy := float64(box.Min.X+box.Max.X)/2, float64(box.Min.Y+box.Max.Y)/2
	assert.InDelta(t, 640, cx, 2)
	assert.InDelta(t, 360, cy, 2)
	assert.InDelta(t, 320, box.Dx(), 2)
	assert.InDelta(t, 320, box.Dy(), 2)
}

func TestLetterboxClipsToFrame(t *testing.T) {
	lb := newLetterbox(image.Pt(640, 480), 416)
	box := lb.toFrame(0.01, 0.5, 0.2, 0.2)
	assert.Equal(t, 0, box.Min.X)
	assert.True(t, box.In(image.Rect(0, 0, 640, 480)))
}

func TestDecodeRows(t *testing.T) {
	lb := newLetterbox(image.Pt(416, 416), 416)
	data := []float32{
		// cx, cy, w, h, obj, person, car
		0.5, 0.5, 0.2, 0.4, 0.9, 0.8, 0.1,
		0.2, 0.2, 0.1, 0.1, 0.9, 0.05, 0.15,
		0.7, 0.7, 0.1, 0.1, 0.9, 0.1, 0.6,
	}
	dets := decodeRows(data, 7, lb, 0.2)
	require.Len(t, dets, 2)
	assert.Equal(t, 0, dets[0].ClassID)
	assert.InDelta(t, 0.8, dets[0].Confidence, 1e-6)
	assert.Equal(t, image.Rect(166, 125, 249, 291), dets[0].Box)
	assert.Equal(t, 1, dets[1].ClassID)

	assert.Nil(t, decodeRows(data, 5, lb, 0.2))
}

func TestSuppressIsClassWise(t *testing.T) {
	dets := []Detection{
		{Box: image.Rect(0, 0, 100, 100), Confidence: 0.6, ClassID: 0},
		{Box: image.Rect(5, 5, 105, 105), Confidence: 0.9, ClassID: 0},
		{Box: image.Rect(5, 5, 105, 105), Confidence: 0.7, ClassID: 2},
		{Box: image.Rect(300, 300, 350, 350), Confidence: 0.3, ClassID: 0},
	}
	kept := suppress(dets, 0.45)
	require.Len(t, kept, 3)
	assert.Equal(t, 0.9, kept[0].Confidence)
	assert.Equal(t, 2, kept[1].ClassID)
	assert.Equal(t, 0.3, kept[2].Confidence)
}

type stubProvider struct {
	kind      string
	initErr   error
	detectErr error
	closed    bool
}

func (s *stubProvider) Initialize(_, _, _ string) error { return s.initErr }

func (s *stubProvider) Detect(gocv.Mat) (*DetectionResult, error) {
	if s.detectErr != nil {
		return nil, s.detectErr
	}
	return &DetectionResult{ClassNames: []string{s.kind}}, nil
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func (s *stubProvider) GetProviderInfo() ProviderInfo { return ProviderInfo{Type: s.kind} }

func newStubManager(gpu, cpu *stubProvider, hasGPU bool) *ProviderManager {
	pm := NewProviderManager(Options{InputSize: 64}, true, logger.NewNopLogger())
	pm.gpuAvailable = func() bool { return hasGPU }
	pm.newGPU = func(Options) InferenceProvider { return gpu }
	pm.newCPU = func(Options) InferenceProvider { return cpu }
	return pm
}

func TestProviderManagerPrefersGPU(t *testing.T) {
	gpu, cpu := &stubProvider{kind: "GPU"}, &stubProvider{kind: "CPU"}
	pm := newStubManager(gpu, cpu, true)

	require.NoError(t, pm.Initialize("w", "c", "n"))
	assert.Equal(t, "GPU", pm.GetProviderInfo().Type)
	assert.Same(t, gpu, pm.GetProvider())
}

func TestProviderManagerFallsBackWhenTestInferenceFails(t *testing.T) {
	gpu := &stubProvider{kind: "GPU", detectErr: errors.New("no CUDA")}
	cpu := &stubProvider{kind: "CPU"}
	pm := newStubManager(gpu, cpu, true)

	require.NoError(t, pm.Initialize("w", "c", "n"))
	assert.Equal(t, "CPU", pm.GetProviderInfo().Type)
	assert.True(t, gpu.closed)

	res, err := pm.Detect(gocv.NewMat())
	require.NoError(t, err)
	assert.Equal(t, []string{"CPU"}, res.ClassNames)
}

func TestProviderManagerCPUFailure(t *testing.T) {
	cpu := &stubProvider{kind: "CPU", initErr: errors.New("missing weights")}
	pm := newStubManager(&stubProvider{}, cpu, false)

	assert.Error(t, pm.Initialize("w", "c", "n"))
	_, err := pm.Detect(gocv.NewMat())
	assert.Error(t, err)
}

func TestLoadClassNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coco.names")
	require.NoError(t, os.WriteFile(path, []byte("person\nbicycle\n\ncar\n"), 0o644))

	names, err := LoadClassNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "bicycle", "car"}, names)

	_, err = LoadClassNames(filepath.Join(t.TempDir(), "missing.names"))
	assert.Error(t, err)
}
