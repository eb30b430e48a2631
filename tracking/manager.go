package tracking

import (
	"image"
	"sort"

	"gocv.io/x/gocv"

	"anoncam/detection"
	"anoncam/geom"
	"anoncam/logger"
)

// ManagerConfig configures association and expiry.
type ManagerConfig struct {
	IoUThreshold float64 // a detection joins a track when IoU is strictly above this
	TrackHistory int     // frames a failing track survives after its last detection
	ClassID      int     // only detections of this class are tracked
}

// Manager owns the live tracks of one pipeline. It is not safe for
// concurrent use.
type Manager struct {
	cfg        ManagerConfig
	newTracker Factory
	log        *logger.Logger

	tracks     []*Track
	nextID     int
	frameIndex int
}

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig, newTracker Factory, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, newTracker: newTracker, log: log}
}

// Advance moves every track to frameIndex. A tracker that succeeds replaces
// the track's box with its prediction. A failing track is kept while
// frameIndex - LastSeen < TrackHistory and dropped afterwards.
func (m *Manager) Advance(frame gocv.Mat, frameIndex int) []Region {
	m.frameIndex = frameIndex
	size := image.Pt(frame.Cols(), frame.Rows())

	kept := m.tracks[:0]
	for _, t := range m.tracks {
		if t.tracker != nil {
			if box, ok := t.tracker.Update(frame); ok {
				if box = geom.Clip(box, size); !box.Empty() {
					t.Box = box
					kept = append(kept, t)
					continue
				}
			}
		}
		if frameIndex-t.LastSeen < m.cfg.TrackHistory {
			kept = append(kept, t)
			continue
		}
		m.log.Debug("track expired", "track_id", t.TrackID, "last_seen", t.LastSeen, "frame", frameIndex)
		t.release()
	}
	for i := len(kept); i < len(m.tracks); i++ {
		m.tracks[i] = nil
	}
	m.tracks = kept
	return m.Tracks()
}

// Associate matches detections of the tracked class against live tracks,
// strongest detection first. A detection whose best IoU exceeds the
// threshold refreshes that track and re-initialises its tracker; any other
// detection starts a new track. Each track is claimed at most once per
// frame. The result maps detection index to track id.
func (m *Manager) Associate(frame gocv.Mat, dets []detection.Detection) map[int]int {
	order := make([]int, 0, len(dets))
	for i, d := range dets {
		if d.ClassID == m.cfg.ClassID && !d.Box.Empty() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Confidence > dets[order[b]].Confidence
	})

	claimed := make(map[*Track]bool, len(m.tracks))
	assigned := make(map[int]int, len(order))
	for _, i := range order {
		d := dets[i]
		var best *Track
		bestIoU := m.cfg.IoUThreshold
		for _, t := range m.tracks {
			if claimed[t] {
				continue
			}
			if v := geom.IoU(d.Box, t.Box); v > bestIoU {
				best, bestIoU = t, v
			}
		}

		if best == nil {
			best = m.allocate(frame, d)
		} else {
			m.refresh(frame, best, d)
		}
		claimed[best] = true
		assigned[i] = best.TrackID
	}
	return assigned
}

// allocate is the only place a track is created.
func (m *Manager) allocate(frame gocv.Mat, d detection.Detection) *Track {
	t := &Track{Region: Region{TrackID: m.nextID}}
	m.nextID++

	tracker, err := m.newTracker()
	if err != nil {
		m.log.Warn("tracker unavailable, track will coast", "track_id", t.TrackID, "error", err)
	}
	t.tracker = tracker
	m.refresh(frame, t, d)
	m.tracks = append(m.tracks, t)
	m.log.Debug("track created", "track_id", t.TrackID, "frame", m.frameIndex)
	return t
}

func (m *Manager) refresh(frame gocv.Mat, t *Track, d detection.Detection) {
	t.Box = d.Box
	t.ClassID = d.ClassID
	t.Confidence = d.Confidence
	t.LastSeen = m.frameIndex
	if d.Mask != nil {
		t.Mask = d.Mask
		t.MaskBox = d.Box
	} else {
		t.Mask = nil
		t.MaskBox = image.Rectangle{}
	}
	if t.tracker != nil && !t.tracker.Init(frame, d.Box) {
		m.log.Debug("tracker init failed", "track_id", t.TrackID)
	}
}

// Tracks returns a snapshot of the live tracks.
func (m *Manager) Tracks() []Region {
	out := make([]Region, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t.Snapshot())
	}
	return out
}

// Len returns the number of live tracks.
func (m *Manager) Len() int {
	return len(m.tracks)
}

// Reset drops every track. Identifiers keep counting up so a reset never
// reuses an id.
func (m *Manager) Reset() {
	for _, t := range m.tracks {
		t.release()
	}
	m.tracks = nil
}

// Close releases every tracker.
func (m *Manager) Close() error {
	m.Reset()
	return nil
}
