package ffmpeg

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
	"time"

	"anoncam/logger"
)

// OutputBuffer stores recent output lines for crash dump analysis
type OutputBuffer struct {
	lines    []string
	maxLines int
	index    int
	full     bool
	mutex    sync.RWMutex
}

// NewOutputBuffer creates a circular buffer for storing recent output
func NewOutputBuffer(maxLines int) *OutputBuffer {
	if maxLines < 1 {
		maxLines = 1
	}
	return &OutputBuffer{
		lines:    make([]string, maxLines),
		maxLines: maxLines,
	}
}

// Add stores a new line in the circular buffer
func (ob *OutputBuffer) Add(line string) {
	ob.mutex.Lock()
	defer ob.mutex.Unlock()

	ob.lines[ob.index] = fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05.000"), line)
	ob.index = (ob.index + 1) % ob.maxLines
	if ob.index == 0 {
		ob.full = true
	}
}

// GetRecent returns the most recent lines (oldest first)
func (ob *OutputBuffer) GetRecent() []string {
	ob.mutex.RLock()
	defer ob.mutex.RUnlock()

	var result []string
	if ob.full {
		// Buffer is full, start from current index (oldest)
		for i := 0; i < ob.maxLines; i++ {
			if l := ob.lines[(ob.index+i)%ob.maxLines]; l != "" {
				result = append(result, l)
			}
		}
		return result
	}
	for i := 0; i < ob.index; i++ {
		if ob.lines[i] != "" {
			result = append(result, ob.lines[i])
		}
	}
	return result
}

var (
	frameRegex          = regexp.MustCompile(`frame=\s*(\d+)`)
	timestampErrorRegex = regexp.MustCompile(`(?i)((DTS|PTS)\s+\d+,\s+next:\d+.*invalid dropping|Non-monotonic DTS.*previous:.*current:.*changing to)`)
)

// HealthMonitor watches encoder output for progress and timestamp errors.
type HealthMonitor struct {
	log *logger.Logger

	lastOutput      time.Time
	lastFrameNumber int
	lastFrameUpdate time.Time
	healthTimeout   time.Duration
	frameTimeout    time.Duration

	timestampErrors int
	lastErrorTime   time.Time
	forceUnhealthy  bool

	stderrBuffer *OutputBuffer
	mutex        sync.RWMutex
}

// NewHealthMonitor creates a monitor. frameTimeout is how long the encoder
// may go without reporting a new frame.
func NewHealthMonitor(frameTimeout time.Duration, log *logger.Logger) *HealthMonitor {
	now := time.Now()
	return &HealthMonitor{
		log:             log,
		healthTimeout:   30 * time.Second,
		frameTimeout:    frameTimeout,
		lastOutput:      now,
		lastFrameUpdate: now,
		stderrBuffer:    NewOutputBuffer(100),
	}
}

func (hm *HealthMonitor) reset() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	now := time.Now()
	hm.lastOutput = now
	hm.lastFrameUpdate = now
	hm.lastFrameNumber = 0
	hm.timestampErrors = 0
	hm.forceUnhealthy = false
}

// Watch consumes encoder output until the pipe closes.
func (hm *HealthMonitor) Watch(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	// ffmpeg progress lines use carriage returns and can get long
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)

	lineCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lineCount++
		hm.stderrBuffer.Add(line)
		hm.processOutputLine(line)
		hm.log.Debug("ffmpeg output", "line", line)
	}
	if err := scanner.Err(); err != nil {
		hm.stderrBuffer.Add(fmt.Sprintf("SCANNER_ERROR: %v", err))
		hm.log.Warn("ffmpeg output scanner failed", "error", err)
	}
	hm.log.Debug("ffmpeg output monitor finished", "lines", lineCount)
}

// processOutputLine analyzes output for health indicators
func (hm *HealthMonitor) processOutputLine(line string) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	now := time.Now()
	if !hm.forceUnhealthy {
		hm.lastOutput = now
	}

	if timestampErrorRegex.MatchString(line) {
		// Reset counter if it's been more than 30 seconds since last error
		if now.Sub(hm.lastErrorTime) > 30*time.Second {
			hm.timestampErrors = 0
		}
		hm.timestampErrors++
		hm.lastErrorTime = now
		hm.log.Warn("ffmpeg timestamp error", "count", hm.timestampErrors, "line", line)

		// 3+ timestamp errors within 30 seconds
		if hm.timestampErrors >= 3 {
			hm.forceUnhealthy = true
			hm.timestampErrors = 0
		}
		return
	}

	if matches := frameRegex.FindStringSubmatch(line); len(matches) > 1 {
		if frameNum, err := strconv.Atoi(matches[1]); err == nil && frameNum > hm.lastFrameNumber {
			hm.lastFrameNumber = frameNum
			hm.lastFrameUpdate = now
		}
	}
}

// Healthy reports whether the encoder is making progress. The returned
// reason is empty when healthy.
func (hm *HealthMonitor) Healthy() (bool, string) {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	if hm.forceUnhealthy {
		return false, "forced unhealthy due to repeated timestamp errors"
	}
	if since := time.Since(hm.lastOutput); since > hm.healthTimeout {
		return false, fmt.Sprintf("no output received for %v", since.Round(time.Second))
	}
	if since := time.Since(hm.lastFrameUpdate); hm.frameTimeout > 0 && since > hm.frameTimeout {
		return false, fmt.Sprintf("no frame progress for %v (last frame: %d)", since.Round(time.Second), hm.lastFrameNumber)
	}
	return true, ""
}

// LastFrame returns the last frame number reported by the encoder.
func (hm *HealthMonitor) LastFrame() int {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.lastFrameNumber
}

// DumpCrashInfo logs the retained encoder output.
func (hm *HealthMonitor) DumpCrashInfo() {
	lines := hm.stderrBuffer.GetRecent()
	if len(lines) == 0 {
		hm.log.Error("ffmpeg crash dump: no output captured")
		return
	}
	hm.log.Error("ffmpeg crash dump", "lines", len(lines))
	for _, line := range lines {
		hm.log.Error("ffmpeg", "line", line)
	}
}

func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
