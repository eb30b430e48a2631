package detection

import (
	"image"
	"image/color"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/geom"
)

// Options tune the YOLO decoder.
type Options struct {
	InputSize           int     // square network input, multiple of 32
	ConfidenceThreshold float64 // detections at or below this are discarded
	NMSThreshold        float64 // class-wise suppression overlap
}

func (o Options) withDefaults() Options {
	if o.InputSize <= 0 {
		o.InputSize = 416
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = 0.2
	}
	if o.NMSThreshold <= 0 {
		o.NMSThreshold = 0.45
	}
	return o
}

// letterbox maps between frame pixels and the padded square network input.
type letterbox struct {
	input  int
	scale  float64
	padX   int
	padY   int
	frame  image.Point
	scaled image.Point
}

func newLetterbox(frame image.Point, input int) letterbox {
	scale := math.Min(float64(input)/float64(frame.X), float64(input)/float64(frame.Y))
	scaled := image.Pt(int(math.Round(float64(frame.X)*scale)), int(math.Round(float64(frame.Y)*scale)))
	return letterbox{
		input:  input,
		scale:  scale,
		padX:   (input - scaled.X) / 2,
		padY:   (input - scaled.Y) / 2,
		frame:  frame,
		scaled: scaled,
	}
}

// toFrame converts a normalized center/size box from network space to a
// frame rectangle clipped to the frame.
func (l letterbox) toFrame(cx, cy, w, h float64) image.Rectangle {
	in := float64(l.input)
	fcx := (cx*in - float64(l.padX)) / l.scale
	fcy := (cy*in - float64(l.padY)) / l.scale
	fw := w * in / l.scale
	fh := h * in / l.scale
	return geom.Clip(geom.FromCenter(fcx, fcy, fw, fh), l.frame)
}

// decodeRows parses darknet region output: each row is
// [cx, cy, w, h, objectness, class scores...] in normalized units.
func decodeRows(data []float32, cols int, lb letterbox, threshold float64) []Detection {
	if cols < 6 {
		return nil
	}
	var dets []Detection
	for off := 0; off+cols <= len(data); off += cols {
		row := data[off : off+cols]
		classID, best := -1, float32(0)
		for i, s := range row[5:] {
			if s > best {
				classID, best = i, s
			}
		}
		if classID < 0 || float64(best) <= threshold {
			continue
		}
		box := lb.toFrame(float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3]))
		if box.Empty() {
			continue
		}
		dets = append(dets, Detection{Box: box, Confidence: float64(best), ClassID: classID})
	}
	return dets
}

// yoloNet is the OpenCV DNN model shared by the CPU and GPU providers.
type yoloNet struct {
	net         gocv.Net
	outputNames []string
	classNames  []string
	opts        Options
	mu          sync.Mutex
}

func (y *yoloNet) load(weightsPath, configPath, namesPath string, backend gocv.NetBackendType, target gocv.NetTargetType) error {
	y.opts = y.opts.withDefaults()

	y.net = gocv.ReadNet(weightsPath, configPath)
	if y.net.Empty() {
		return errors.Errorf("failed to load YOLO network from %s and %s", weightsPath, configPath)
	}
	if err := y.net.SetPreferableBackend(backend); err != nil {
		return errors.Wrap(err, "set backend")
	}
	if err := y.net.SetPreferableTarget(target); err != nil {
		return errors.Wrap(err, "set target")
	}

	layers := y.net.GetLayerNames()
	for _, id := range y.net.GetUnconnectedOutLayers() {
		if id >= 1 && id <= len(layers) {
			y.outputNames = append(y.outputNames, layers[id-1])
		}
	}

	names, err := LoadClassNames(namesPath)
	if err != nil {
		return err
	}
	y.classNames = names
	return nil
}

// LoadClassNames reads a darknet names file, one label per line.
func LoadClassNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read class names")
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (y *yoloNet) detect(frame gocv.Mat) (*DetectionResult, error) {
	y.mu.Lock()
	defer y.mu.Unlock()

	if frame.Empty() {
		return nil, errors.New("empty frame")
	}
	lb := newLetterbox(image.Pt(frame.Cols(), frame.Rows()), y.opts.InputSize)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, lb.scaled, 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(resized, &padded,
		lb.padY, lb.input-lb.scaled.Y-lb.padY,
		lb.padX, lb.input-lb.scaled.X-lb.padX,
		gocv.BorderConstant, color.RGBA{114, 114, 114, 0})

	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(lb.input, lb.input), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	y.net.SetInput(blob, "")

	var outputs []gocv.Mat
	if len(y.outputNames) > 0 {
		outputs = y.net.ForwardLayers(y.outputNames)
	} else {
		outputs = []gocv.Mat{y.net.Forward("")}
	}
	defer func() {
		for _, o := range outputs {
			o.Close()
		}
	}()

	var (
		protos *prototypes
		dets   []Detection
		coeffs [][]float32
	)
	for _, out := range outputs {
		if out.Empty() || len(out.Size()) != 4 {
			continue
		}
		p, err := newPrototypes(out)
		if err != nil {
			return nil, err
		}
		protos = p
	}
	maskDim := 0
	if protos != nil {
		maskDim, _ = protos.basis.Dims()
	}

	for _, out := range outputs {
		if out.Empty() {
			continue
		}
		dims := out.Size()
		if len(dims) == 4 {
			continue
		}
		data, err := out.DataPtrFloat32()
		if err != nil {
			return nil, errors.Wrap(err, "read network output")
		}
		var found []Detection
		var k [][]float32
		if len(dims) == 3 {
			found, k = decodeHead(data, dims[1], dims[2], maskDim, lb, y.opts.ConfidenceThreshold)
		} else {
			found = decodeRows(data, out.Cols(), lb, y.opts.ConfidenceThreshold)
			k = make([][]float32, len(found))
		}
		for i, d := range found {
			if d.ClassID < len(y.classNames) {
				dets = append(dets, d)
				coeffs = append(coeffs, k[i])
			}
		}
	}

	kept := make([]Detection, 0, len(dets))
	for _, i := range suppressIndices(dets, y.opts.NMSThreshold) {
		d := dets[i]
		if protos != nil && coeffs[i] != nil {
			// a detection whose mask fails keeps its box
			if m, err := protos.maskFor(coeffs[i], d.Box, lb); err == nil {
				d.Mask = m
			}
		}
		kept = append(kept, d)
	}

	return &DetectionResult{
		Detections: kept,
		ClassNames: y.classNames,
	}, nil
}

func (y *yoloNet) close() error {
	return y.net.Close()
}
