package tracking

import (
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"anoncam/detection"
	"anoncam/logger"
	"anoncam/mask"
)

type fakeTracker struct {
	ok     bool
	shift  image.Point
	box    image.Rectangle
	inits  int
	closed bool
}

func (f *fakeTracker) Init(_ gocv.Mat, box image.Rectangle) bool {
	f.box = box
	f.inits++
	return true
}

func (f *fakeTracker) Update(_ gocv.Mat) (image.Rectangle, bool) {
	if !f.ok {
		return image.Rectangle{}, false
	}
	f.box = f.box.Add(f.shift)
	return f.box, true
}

func (f *fakeTracker) Close() error {
	f.closed = true
	return nil
}

type fakeFactory struct {
	ok      bool
	shift   image.Point
	created []*fakeTracker
}

func (ff *fakeFactory) New() (Tracker, error) {
	t := &fakeTracker{ok: ff.ok, shift: ff.shift}
	ff.created = append(ff.created, t)
	return t, nil
}

func newTestManager(history int, ff *fakeFactory) *Manager {
	return NewManager(ManagerConfig{IoUThreshold: 0.3, TrackHistory: history, ClassID: 0}, ff.New, logger.NewNopLogger())
}

func testFrame() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 240, 320, gocv.MatTypeCV8UC3)
}

func person(box image.Rectangle, conf float64) detection.Detection {
	return detection.Detection{Box: box, Confidence: conf, ClassID: 0}
}

func trackIDs(regions []Region) []int {
	ids := make([]int, 0, len(regions))
	for _, r := range regions {
		ids = append(ids, r.TrackID)
	}
	return ids
}

func TestTrackLifetime(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	const history = 5
	const created = 3
	ff := &fakeFactory{ok: false}
	m := newTestManager(history, ff)

	for i := 0; i < created; i++ {
		m.Advance(frame, i)
	}
	m.Advance(frame, created)
	ids := m.Associate(frame, []detection.Detection{person(image.Rect(10, 10, 60, 120), 0.9)})
	require.Equal(t, map[int]int{0: 0}, ids)

	for f := created + 1; f <= created+history-1; f++ {
		regions := m.Advance(frame, f)
		assert.Len(t, regions, 1, "frame %d", f)
	}
	regions := m.Advance(frame, created+history)
	assert.Empty(t, regions)
	require.Len(t, ff.created, 1)
	assert.True(t, ff.created[0].closed)
}

func TestSuccessfulTrackerMovesBox(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	ff := &fakeFactory{ok: true, shift: image.Pt(4, 0)}
	m := newTestManager(2, ff)

	m.Advance(frame, 0)
	m.Associate(frame, []detection.Detection{person(image.Rect(10, 10, 50, 90), 0.8)})

	var regions []Region
	for f := 1; f <= 10; f++ {
		regions = m.Advance(frame, f)
	}
	require.Len(t, regions, 1)
	assert.Equal(t, image.Rect(50, 10, 90, 90), regions[0].Box)
	assert.Equal(t, 0, regions[0].LastSeen)
}

func TestAssociateMatchesByIoU(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	ff := &fakeFactory{ok: false}
	m := newTestManager(15, ff)

	m.Advance(frame, 0)
	first := m.Associate(frame, []detection.Detection{
		person(image.Rect(10, 10, 60, 110), 0.9),
		person(image.Rect(200, 10, 250, 110), 0.7),
	})
	assert.Equal(t, map[int]int{0: 0, 1: 1}, first)

	m.Advance(frame, 1)
	segm := mask.FromBox(image.Pt(320, 240), image.Rect(14, 12, 62, 112), mask.SourceDetector)
	second := m.Associate(frame, []detection.Detection{
		{Box: image.Rect(12, 12, 62, 112), Confidence: 0.95, ClassID: 0, Mask: segm},
		person(image.Rect(120, 120, 160, 200), 0.6),
	})
	assert.Equal(t, map[int]int{0: 0, 1: 2}, second)

	regions := m.Tracks()
	if diff := cmp.Diff([]int{0, 1, 2}, trackIDs(regions)); diff != "" {
		t.Errorf("track ids mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, regions[0].LastSeen)
	assert.Equal(t, 0.95, regions[0].Confidence)
	assert.Same(t, segm, regions[0].Mask)
	assert.Equal(t, image.Rect(12, 12, 62, 112), regions[0].MaskBox)
	assert.Equal(t, 0, regions[1].LastSeen)
	assert.Equal(t, 2, ff.created[0].inits)
}

func TestAssociateClaimsTrackOnce(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	m := newTestManager(15, &fakeFactory{})
	m.Advance(frame, 0)
	m.Associate(frame, []detection.Detection{person(image.Rect(10, 10, 60, 110), 0.9)})

	m.Advance(frame, 1)
	ids := m.Associate(frame, []detection.Detection{
		person(image.Rect(11, 10, 61, 110), 0.5),
		person(image.Rect(10, 11, 60, 111), 0.8),
	})
	// the stronger detection wins the existing track
	assert.Equal(t, 0, ids[1])
	assert.Equal(t, 1, ids[0])
}

func TestAssociateIgnoresOtherClasses(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	m := newTestManager(15, &fakeFactory{})
	m.Advance(frame, 0)
	ids := m.Associate(frame, []detection.Detection{
		{Box: image.Rect(0, 0, 20, 20), Confidence: 0.9, ClassID: 2},
		person(image.Rect(30, 30, 60, 90), 0.4),
	})
	assert.Equal(t, map[int]int{1: 0}, ids)
	assert.Equal(t, 1, m.Len())
}

func TestResetKeepsIDsMonotonic(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	ff := &fakeFactory{}
	m := newTestManager(15, ff)
	m.Advance(frame, 0)
	m.Associate(frame, []detection.Detection{person(image.Rect(0, 0, 30, 30), 0.9)})

	m.Reset()
	assert.Zero(t, m.Len())
	assert.True(t, ff.created[0].closed)

	m.Advance(frame, 0)
	ids := m.Associate(frame, []detection.Detection{person(image.Rect(0, 0, 30, 30), 0.9)})
	assert.Equal(t, 1, ids[0])
}

func TestKalmanTrackerCoastsThenFails(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	k := NewKalmanTracker(3)
	_, ok := k.Update(frame)
	assert.False(t, ok)

	box := image.Rect(100, 50, 140, 150)
	require.True(t, k.Init(frame, box))
	for i := 0; i < 3; i++ {
		got, ok := k.Update(frame)
		require.True(t, ok)
		assert.InDelta(t, 120, float64(got.Min.X+got.Max.X)/2, 2)
	}
	_, ok = k.Update(frame)
	assert.False(t, ok)

	assert.True(t, k.Init(frame, box))
	_, ok = k.Update(frame)
	assert.True(t, ok)
	assert.NoError(t, k.Close())
}
