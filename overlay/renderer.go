// Package overlay draws debug visualizations on top of frames. Nothing
// drawn here feeds back into anonymization.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"gocv.io/x/gocv"

	"anoncam/detection"
	"anoncam/mask"
	"anoncam/tracking"
)

// EventEntry is one line of the on-screen event log.
type EventEntry struct {
	Timestamp time.Time
	Message   string
	Kind      string // "TRACK", "BG", "WARN"
}

// Renderer handles visualization and overlay rendering.
type Renderer struct {
	detectionColor color.RGBA
	statusColor    color.RGBA
	warnColor      color.RGBA
	untrackedColor color.RGBA
	palette        []color.RGBA
	maskAlpha      float64
	animationTime  float64 // For time-based animations

	events    []EventEntry
	maxEvents int
}

// NewRenderer returns a renderer with the default palette.
func NewRenderer() *Renderer {
	return &Renderer{
		detectionColor: color.RGBA{0x00, 0x7f, 0xff, 180}, // light blue, raw detections
		statusColor:    color.RGBA{0, 255, 0, 255},
		warnColor:      color.RGBA{255, 255, 0, 255},
		untrackedColor: color.RGBA{200, 200, 200, 255},
		palette: []color.RGBA{
			{255, 0, 0, 255},
			{0, 200, 0, 255},
			{0, 150, 255, 255},
			{255, 0, 255, 255},
			{255, 165, 0, 255},
			{0, 255, 255, 255},
			{0x11, 0x8a, 0x28, 255},
			{128, 0, 255, 255},
		},
		maskAlpha: 0.35,
		maxEvents: 8,
	}
}

// UpdateAnimation advances the animation time for smooth effects.
func (r *Renderer) UpdateAnimation(deltaTime float64) {
	r.animationTime += deltaTime * 1000.0

	// Keep animation time bounded to prevent float overflow
	if r.animationTime > 1000.0 {
		r.animationTime -= 1000.0
	}
}

// TrackColor returns the stable colour of a track id.
func (r *Renderer) TrackColor(id int) color.RGBA {
	if id < 0 {
		return r.untrackedColor
	}
	return r.palette[id%len(r.palette)]
}

// DrawRegions outlines each region, tints its mask and labels it with the
// track id and confidence. Regions not re-detected on frameIndex pulse.
func (r *Renderer) DrawRegions(img *gocv.Mat, regions []tracking.Region, frameIndex int) {
	for _, reg := range regions {
		c := r.TrackColor(reg.TrackID)
		r.tintMask(img, reg.Mask, c)

		predicted := reg.LastSeen < frameIndex
		intensity := 1.0
		if predicted {
			intensity = math.Sin(r.animationTime*0.004)*0.3 + 0.7
		}
		r.drawCornerBrackets(img, reg.Box, c, 2, 15, intensity)

		label := fmt.Sprintf("#%d %.0f%%", reg.TrackID, reg.Confidence*100)
		if reg.TrackID == tracking.Untracked {
			label = fmt.Sprintf("%.0f%%", reg.Confidence*100)
		}
		if predicted {
			label += fmt.Sprintf(" (+%d)", frameIndex-reg.LastSeen)
		}
		gocv.PutText(img, label, labelPos(reg.Box), gocv.FontHersheySimplex, 0.5, c, 1)
	}
}

// DrawDetections draws raw detector output with class names.
func (r *Renderer) DrawDetections(img *gocv.Mat, result *detection.DetectionResult) {
	if result == nil {
		return
	}
	for _, d := range result.Detections {
		gocv.Rectangle(img, d.Box, r.detectionColor, 2)
		center := image.Pt(d.Box.Min.X+d.Box.Dx()/2, d.Box.Min.Y+d.Box.Dy()/2)
		gocv.Circle(img, center, 3, r.detectionColor, -1)

		name := result.ClassName(d.ClassID)
		if name == "" {
			name = fmt.Sprintf("class %d", d.ClassID)
		}
		label := fmt.Sprintf("%s %.0f%%", name, d.Confidence*100)
		gocv.PutText(img, label, labelPos(d.Box), gocv.FontHersheySimplex, 0.4, r.detectionColor, 1)
	}
}

// DrawStatus writes lines in the top-left corner followed by recent
// events.
func (r *Renderer) DrawStatus(img *gocv.Mat, lines []string) {
	y := 25
	for _, line := range lines {
		r.shadowText(img, line, image.Pt(10, y), r.statusColor, 0.6)
		y += 22
	}
	if len(r.events) == 0 {
		return
	}
	y += 8
	for _, e := range r.events {
		c := r.statusColor
		if e.Kind == "WARN" {
			c = r.warnColor
		}
		msg := fmt.Sprintf("%s [%s] %s", e.Timestamp.Format("15:04:05"), e.Kind, e.Message)
		r.shadowText(img, msg, image.Pt(10, y), c, 0.45)
		y += 18
	}
}

// LogEvent appends to the on-screen event log, keeping the newest entries.
func (r *Renderer) LogEvent(kind, message string) {
	r.events = append(r.events, EventEntry{Timestamp: time.Now(), Message: message, Kind: kind})
	if len(r.events) > r.maxEvents {
		r.events = r.events[len(r.events)-r.maxEvents:]
	}
}

// Events returns the retained event log, oldest first.
func (r *Renderer) Events() []EventEntry {
	return r.events
}

func (r *Renderer) tintMask(img *gocv.Mat, m *mask.Mask, c color.RGBA) {
	if m == nil || m.Validate() != nil || m.Width != img.Cols() || m.Height != img.Rows() {
		return
	}
	sel, err := m.ToMat()
	if err != nil {
		return
	}
	defer sel.Close()

	layer := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0), img.Rows(), img.Cols(), img.Type())
	defer layer.Close()
	tinted := gocv.NewMat()
	defer tinted.Close()
	gocv.AddWeighted(*img, 1-r.maskAlpha, layer, r.maskAlpha, 0, &tinted)
	tinted.CopyToWithMask(img, sel)
}

func (r *Renderer) drawCornerBrackets(img *gocv.Mat, rect image.Rectangle, c color.RGBA, thickness, length int, intensity float64) {
	adjusted := c
	adjusted.A = uint8(float64(c.A) * intensity)
	if l := min(rect.Dx(), rect.Dy()) / 3; l < length {
		length = max(l, 2)
	}

	// Top-left corner
	gocv.Line(img, rect.Min, image.Pt(rect.Min.X+length, rect.Min.Y), adjusted, thickness)
	gocv.Line(img, rect.Min, image.Pt(rect.Min.X, rect.Min.Y+length), adjusted, thickness)

	// Top-right corner
	gocv.Line(img, image.Pt(rect.Max.X, rect.Min.Y), image.Pt(rect.Max.X-length, rect.Min.Y), adjusted, thickness)
	gocv.Line(img, image.Pt(rect.Max.X, rect.Min.Y), image.Pt(rect.Max.X, rect.Min.Y+length), adjusted, thickness)

	// Bottom-left corner
	gocv.Line(img, image.Pt(rect.Min.X, rect.Max.Y), image.Pt(rect.Min.X+length, rect.Max.Y), adjusted, thickness)
	gocv.Line(img, image.Pt(rect.Min.X, rect.Max.Y), image.Pt(rect.Min.X, rect.Max.Y-length), adjusted, thickness)

	// Bottom-right corner
	gocv.Line(img, rect.Max, image.Pt(rect.Max.X-length, rect.Max.Y), adjusted, thickness)
	gocv.Line(img, rect.Max, image.Pt(rect.Max.X, rect.Max.Y-length), adjusted, thickness)
}

func (r *Renderer) shadowText(img *gocv.Mat, text string, at image.Point, c color.RGBA, scale float64) {
	gocv.PutText(img, text, at.Add(image.Pt(1, 1)), gocv.FontHersheySimplex, scale, color.RGBA{0, 0, 0, 255}, 2)
	gocv.PutText(img, text, at, gocv.FontHersheySimplex, scale, c, 1)
}

// labelPos keeps labels inside the frame.
func labelPos(box image.Rectangle) image.Point {
	p := image.Pt(box.Min.X, box.Min.Y-8)
	if p.Y < 15 {
		p.Y = box.Max.Y + 20
	}
	return p
}
