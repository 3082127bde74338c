package supervisor

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// ffmpegProgress accumulates one -progress key=value block, delimited by
// a trailing "progress=continue" or "progress=end" line, matching the
// teacher's parseFFmpegProgress scanner shape (hls_encoding.go) extended
// to the full key set the planner-driven batch encode needs.
type ffmpegProgress struct {
	frame      int64
	fps        float64
	bitrateKbps float64
	outTimeUs  int64
	totalSizeB int64
	speed      float64
	done       bool
}

// parseProgressStream reads ffmpeg's -progress pipe:1 output line by line
// and invokes onBlock once per completed block. It returns when r is
// closed (the encoder process exited).
func parseProgressStream(r io.Reader, onBlock func(ffmpegProgress)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	var cur ffmpegProgress
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "frame":
			cur.frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			cur.fps, _ = strconv.ParseFloat(value, 64)
		case "bitrate":
			cur.bitrateKbps = parseKbps(value)
		case "out_time_us":
			cur.outTimeUs, _ = strconv.ParseInt(value, 10, 64)
		case "total_size":
			cur.totalSizeB, _ = strconv.ParseInt(value, 10, 64)
		case "speed":
			cur.speed = parseSpeed(value)
		case "progress":
			cur.done = value == "end"
			onBlock(cur)
			cur = ffmpegProgress{}
		}
	}
}

// parseKbps parses ffmpeg's "1234.5kbits/s" bitrate field into a plain
// kbps float, tolerating the "N/A" value ffmpeg emits before the first
// measurement is available.
func parseKbps(value string) float64 {
	value = strings.TrimSuffix(value, "kbits/s")
	f, _ := strconv.ParseFloat(value, 64)
	return f
}

func parseSpeed(value string) float64 {
	value = strings.TrimSuffix(value, "x")
	f, _ := strconv.ParseFloat(value, 64)
	return f
}

// computeProgress derives percent/eta/sizes from one progress block (spec
// §4.3 step 7): frame-based percent when the probe knows total frames,
// else time-based from declared duration.
func computeProgress(p ffmpegProgress, totalFrames int64, durationSeconds float64, elapsed time.Duration) (percent float64, etaSeconds float64, timemark string) {
	switch {
	case totalFrames > 0 && p.frame > 0:
		percent = 100 * float64(p.frame) / float64(totalFrames)
	case durationSeconds > 0 && p.outTimeUs > 0:
		percent = 100 * (float64(p.outTimeUs) / 1e6) / durationSeconds
	}
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	if percent > 0 && percent < 100 {
		etaSeconds = elapsed.Seconds() * (100 - percent) / percent
	}

	timemark = formatTimemark(time.Duration(p.outTimeUs) * time.Microsecond)
	return percent, etaSeconds, timemark
}

func formatTimemark(d time.Duration) string {
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return strconvPad(h) + ":" + strconvPad(m) + ":" + strconvPad(s)
}

func strconvPad(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// projectedFinalSizeKB extrapolates the final output size from the
// current progress percent (spec §4.3 step 7: "target size and projected
// final size").
func projectedFinalSizeKB(totalSizeB int64, percent float64) int64 {
	if percent <= 0 {
		return 0
	}
	return int64(float64(totalSizeB) / 1024 * 100 / percent)
}
