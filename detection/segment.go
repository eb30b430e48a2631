package detection

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"anoncam/geom"
	"anoncam/mask"
)

// decodeHead parses a channel-major head of shape [4+classes+maskDim, anchors]
// as exported by YOLOv8 and later. Boxes are center/size in network pixels
// and class scores carry no separate objectness. The mask coefficients of
// each kept anchor are returned alongside it.
func decodeHead(data []float32, channels, anchors, maskDim int, lb letterbox, threshold float64) ([]Detection, [][]float32) {
	classes := channels - 4 - maskDim
	if classes < 1 || anchors < 1 || len(data) < channels*anchors {
		return nil, nil
	}
	at := func(c, j int) float32 { return data[c*anchors+j] }
	in := float64(lb.input)

	var dets []Detection
	var coeffs [][]float32
	for j := 0; j < anchors; j++ {
		classID, best := -1, float32(0)
		for c := 0; c < classes; c++ {
			if s := at(4+c, j); s > best {
				classID, best = c, s
			}
		}
		if classID < 0 || float64(best) <= threshold {
			continue
		}
		box := lb.toFrame(float64(at(0, j))/in, float64(at(1, j))/in, float64(at(2, j))/in, float64(at(3, j))/in)
		if box.Empty() {
			continue
		}
		var k []float32
		if maskDim > 0 {
			k = make([]float32, maskDim)
			for m := range k {
				k[m] = at(4+classes+m, j)
			}
		}
		dets = append(dets, Detection{Box: box, Confidence: float64(best), ClassID: classID})
		coeffs = append(coeffs, k)
	}
	return dets, coeffs
}

// prototypes is the mask basis of a segmentation model: maskDim planes of
// width x height, one row per plane.
type prototypes struct {
	basis  *mat.Dense
	width  int
	height int
}

func newPrototypes(out gocv.Mat) (*prototypes, error) {
	dims := out.Size()
	if len(dims) != 4 || dims[1] < 1 || dims[2] < 1 || dims[3] < 1 {
		return nil, errors.Errorf("unexpected prototype shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "read prototypes")
	}
	planes, h, w := dims[1], dims[2], dims[3]
	if len(data) < planes*h*w {
		return nil, errors.Errorf("prototype data has %d values, want %d", len(data), planes*h*w)
	}
	values := make([]float64, planes*h*w)
	for i := range values {
		values[i] = float64(data[i])
	}
	return &prototypes{basis: mat.NewDense(planes, h*w, values), width: w, height: h}, nil
}

// content returns the part of the prototype plane that covers the frame,
// leaving out the letterbox padding.
func (p *prototypes) content(lb letterbox) image.Rectangle {
	sx := float64(p.width) / float64(lb.input)
	sy := float64(p.height) / float64(lb.input)
	r := image.Rect(
		int(math.Floor(float64(lb.padX)*sx)),
		int(math.Floor(float64(lb.padY)*sy)),
		int(math.Ceil(float64(lb.padX+lb.scaled.X)*sx)),
		int(math.Ceil(float64(lb.padY+lb.scaled.Y)*sy)),
	)
	return geom.Clip(r, image.Pt(p.width, p.height))
}

// maskFor combines the prototypes with one detection's coefficients and
// returns a frame-resolution mask limited to the detection box.
func (p *prototypes) maskFor(coeffs []float32, box image.Rectangle, lb letterbox) (*mask.Mask, error) {
	planes, _ := p.basis.Dims()
	if len(coeffs) != planes {
		return nil, errors.Wrapf(mask.ErrTransientMask, "%d mask coefficients for %d prototypes", len(coeffs), planes)
	}
	weights := make([]float64, planes)
	for i, c := range coeffs {
		weights[i] = float64(c)
	}

	var logits mat.Dense
	logits.Mul(mat.NewDense(1, planes, weights), p.basis)
	row := logits.RawRowView(0)
	probs := make([]float32, len(row))
	for i, v := range row {
		probs[i] = float32(1 / (1 + math.Exp(-v)))
	}

	low, err := mask.FromFloat32(p.width, p.height, probs, mask.SourceDetector)
	if err != nil {
		return nil, err
	}
	lowMat, err := low.ToMat()
	if err != nil {
		return nil, err
	}
	defer lowMat.Close()

	content := p.content(lb)
	if content.Empty() {
		return nil, errors.Wrap(mask.ErrTransientMask, "letterbox leaves no prototype content")
	}
	cropped := lowMat.Region(content)
	defer cropped.Close()

	full := gocv.NewMat()
	defer full.Close()
	gocv.Resize(cropped, &full, lb.frame, 0, 0, gocv.InterpolationLinear)
	gocv.Threshold(full, &full, float32(mask.Threshold), float32(mask.On), gocv.ThresholdBinary)

	boxMat, err := mask.FromBox(lb.frame, box, mask.SourceBox).ToMat()
	if err != nil {
		return nil, err
	}
	defer boxMat.Close()
	gocv.BitwiseAnd(full, boxMat, &full)

	return mask.FromMat(full, mask.SourceDetector)
}
