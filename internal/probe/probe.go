// Package probe wraps the external ffprobe binary and parses its JSON
// output into a domain.ProbeResult.
//
// Grounded on the teacher's internal/services/torrent/engine/ffprobe
// package (same exec.CommandContext + JSON-parse + stderr-tail-on-failure
// shape), generalized to the richer stream metadata spec §4.7 requires:
// bit depth, pixel format, color primaries/transfer/space, HDR side data,
// and Dolby Vision profile, plus format-level size/bitrate/aspect.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

// Prober invokes a probe binary (ffprobe or compatible) against a file path.
type Prober struct {
	binary string
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin}
}

const maxProbeTimeout = 60 * time.Second

// Probe runs the probe binary against path and returns a structured result.
// It applies spec §4.7 step 4: reject Dolby Vision profiles below 8 and
// compute a rounded display aspect ratio from width/height.
func (p *Prober) Probe(ctx context.Context, path string) (domain.ProbeResult, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.ProbeResult{}, errors.New("probe: file path is required")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-probesize", "100M",
		"-analyzeduration", "100M",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result, parseErr := parseProbeOutput(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return domain.ProbeResult{}, probeFailure(runErr, stderr.String())
		}
		return domain.ProbeResult{}, fmt.Errorf("probe: output parse failed: %w", parseErr)
	}

	if runErr != nil && len(result.Tracks) == 0 {
		return domain.ProbeResult{}, probeFailure(runErr, stderr.String())
	}

	if video, ok := result.VideoTrack(); ok && video.DolbyVision > 0 && video.DolbyVision < 8 {
		return domain.ProbeResult{}, fmt.Errorf("probe: unsupported dolby vision profile %d", video.DolbyVision)
	}

	return result, nil
}

func probeFailure(runErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Errorf("probe: ffprobe failed: %w", runErr)
	}
	return fmt.Errorf("probe: ffprobe failed: %w: %s", runErr, msg)
}

type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	Index              int               `json:"index"`
	CodecType          string            `json:"codec_type"`
	CodecName          string            `json:"codec_name"`
	Width              int               `json:"width"`
	Height             int               `json:"height"`
	BitsPerRawSample   string            `json:"bits_per_raw_sample"`
	PixFmt             string            `json:"pix_fmt"`
	ColorPrimaries     string            `json:"color_primaries"`
	ColorTransfer      string            `json:"color_transfer"`
	ColorSpace         string            `json:"color_space"`
	Channels           int               `json:"channels"`
	RFrameRate         string            `json:"r_frame_rate"`
	Tags               map[string]string `json:"tags"`
	SideDataList       []sideData        `json:"side_data_list"`
	Disposition        struct {
		Default int `json:"default"`
	} `json:"disposition"`
}

type sideData struct {
	SideDataType string `json:"side_data_type"`
	MaxLuminance string `json:"max_luminance"`
	MinLuminance string `json:"min_luminance"`
	MaxContent   int    `json:"max_content"`
	MaxAverage   int    `json:"max_average"`
	DVProfile    int    `json:"dv_profile"`
}

type probeFormat struct {
	Duration string            `json:"duration"`
	Size     string            `json:"size"`
	BitRate  string            `json:"bit_rate"`
	Tags     map[string]string `json:"tags"`
}

func parseProbeOutput(data []byte) (domain.ProbeResult, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.ProbeResult{}, err
	}

	tracks := make([]domain.MediaTrack, 0, len(payload.Streams))
	videoIdx, audioIdx, subIdx := 0, 0, 0
	var primaryCodec string

	for _, s := range payload.Streams {
		switch s.CodecType {
		case "video":
			track := domain.MediaTrack{
				Index:           videoIdx,
				Type:            "video",
				Codec:           s.CodecName,
				Language:        strings.TrimSpace(getTag(s.Tags, "language")),
				Title:           strings.TrimSpace(getTag(s.Tags, "title")),
				Default:         s.Disposition.Default == 1,
				Width:           s.Width,
				Height:          s.Height,
				FPS:             parseFrameRate(s.RFrameRate),
				BitDepth:        parseIntOr(s.BitsPerRawSample, 8),
				PixFmt:          s.PixFmt,
				ChromaSubsample: chromaSubsampleFromPixFmt(s.PixFmt),
				ColorPrimaries:  s.ColorPrimaries,
				ColorTransfer:   s.ColorTransfer,
				ColorSpace:      s.ColorSpace,
			}
			applySideData(&track, s.SideDataList)
			tracks = append(tracks, track)
			if videoIdx == 0 {
				primaryCodec = s.CodecName
			}
			videoIdx++
		case "audio":
			tracks = append(tracks, domain.MediaTrack{
				Index:    audioIdx,
				Type:     "audio",
				Codec:    s.CodecName,
				Language: strings.TrimSpace(getTag(s.Tags, "language")),
				Title:    strings.TrimSpace(getTag(s.Tags, "title")),
				Default:  s.Disposition.Default == 1,
				Channels: s.Channels,
			})
			audioIdx++
		case "subtitle":
			tracks = append(tracks, domain.MediaTrack{
				Index:    subIdx,
				Type:     "subtitle",
				Codec:    s.CodecName,
				Language: strings.TrimSpace(getTag(s.Tags, "language")),
				Title:    strings.TrimSpace(getTag(s.Tags, "title")),
				Default:  s.Disposition.Default == 1,
			})
			subIdx++
		}
	}

	result := domain.ProbeResult{
		Codec:           primaryCodec,
		Tracks:          tracks,
		DurationSeconds: parseFloatOr(payload.Format.Duration, 0),
		SizeKB:          parseInt64Or(payload.Format.Size, 0) / 1024,
		BitrateKbps:     parseInt64Or(payload.Format.BitRate, 0) / 1000,
		EncodeVersion:   strings.TrimSpace(getTag(payload.Format.Tags, "encode_version")),
	}

	if v, ok := result.VideoTrack(); ok && v.Width > 0 && v.Height > 0 {
		result.DisplayAspect = displayAspect(v.Width, v.Height)
	}

	return result, nil
}

func applySideData(track *domain.MediaTrack, sides []sideData) {
	for _, sd := range sides {
		switch sd.SideDataType {
		case "Mastering display metadata":
			track.MasterDisplay = fmt.Sprintf("luminance(min=%s,max=%s)", sd.MinLuminance, sd.MaxLuminance)
		case "Content light level metadata":
			track.MaxCLL = fmt.Sprintf("%d,%d", sd.MaxContent, sd.MaxAverage)
		case "DOVI configuration record":
			track.DolbyVision = sd.DVProfile
		}
	}
}

// chromaSubsampleFromPixFmt derives a coarse 4:2:0/4:2:2/4:4:4 label from
// ffprobe's pix_fmt name, since ffprobe does not report subsampling
// directly as a separate field.
func chromaSubsampleFromPixFmt(pixFmt string) string {
	switch {
	case strings.Contains(pixFmt, "444"):
		return "4:4:4"
	case strings.Contains(pixFmt, "422"):
		return "4:2:2"
	case pixFmt == "":
		return ""
	default:
		return "4:2:0"
	}
}

// displayAspect computes a simplified W:H ratio rounded to two decimals,
// matching common reporting (e.g. "1.78:1" for 16:9 content).
func displayAspect(width, height int) string {
	if height == 0 {
		return ""
	}
	ratio := float64(width) / float64(height)
	return strconv.FormatFloat(math.Round(ratio*100)/100, 'f', 2, 64) + ":1"
}

func parseFrameRate(rate string) float64 {
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

func parseIntOr(s string, fallback int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseInt64Or(s string, fallback int64) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseFloatOr(s string, fallback float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	if v, ok := tags[key]; ok {
		return v
	}
	if v, ok := tags[strings.ToUpper(key)]; ok {
		return v
	}
	if v, ok := tags[strings.ToLower(key)]; ok {
		return v
	}
	return ""
}
