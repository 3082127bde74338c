// Package planner implements the instruction planner (spec §4.4): a pure
// function from a catalog File record to an encoder-agnostic instructions
// object, plus the compute-score formula the scheduler admits work against.
//
// Grounded on the teacher's hls_encoding.go argv-building pass (codec/CRF/
// pix_fmt selection by resolution bucket), generalized from an on-demand
// HLS transcode into a deterministic batch-encode recipe.
package planner

import (
	"math"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

const (
	targetVideoCodec = "hevc"

	widthUHD  = 3840
	width1080 = 1920
	width720  = 1280

	sizeGiB        = 1 << 30
	largeSourceGiB = 10 * sizeGiB
)

var supportedSubtitleCodecs = map[string]bool{
	"subrip": true,
	"srt":    true,
	"ass":    true,
	"ssa":    true,
	"mov_text": true,
	"hdmv_pgs_subtitle": true,
}

var alreadyCopyAudioCodecs = map[string]bool{
	"aac":  true,
	"ac3":  true,
	"eac3": true,
}

// Plan derives the deterministic instructions object for f. Plan never
// mutates f and returns the same output for the same input (spec §8).
func Plan(f domain.File) (domain.Instructions, error) {
	if f.Probe == nil {
		return domain.Instructions{}, errInvalidPlan("no probe result")
	}
	video, ok := f.Probe.VideoTrack()
	if !ok {
		return domain.Instructions{}, errInvalidPlan("no video stream")
	}
	if video.DolbyVision > 0 && video.DolbyVision < 8 {
		return domain.Instructions{}, errInvalidPlan("unsupported dolby vision profile")
	}

	instr := domain.Instructions{
		Video:     planVideo(f, video),
		Audio:     planAudio(f),
		Subtitles: planSubtitles(f),
	}
	return instr, nil
}

func planVideo(f domain.File, video domain.MediaTrack) domain.VideoInstruction {
	sizeBytes := f.Probe.SizeKB * 1024

	if sizeBytes <= sizeGiB && isHEVC(video.Codec) {
		return domain.VideoInstruction{Copy: true, SourceIndex: video.Index}
	}

	bucket := widthBucket(video.Width)
	crf := crfForBucket(bucket)
	preset := presetForBucket(bucket, sizeBytes)
	gop := int(math.Round(video.FPS * 2))
	if gop <= 0 {
		gop = 48
	}

	instr := domain.VideoInstruction{
		Copy:        false,
		Codec:       targetVideoCodec,
		CRF:         crf,
		Preset:      preset,
		GOP:         gop,
		KeyintMin:   gop / 2,
		PixFmt:      "yuv420p10le",
		SourceIndex: video.Index,
	}

	if f.Probe.IsPQTransfer() {
		instr.ColorPrimaries = video.ColorPrimaries
		instr.ColorTransfer = video.ColorTransfer
		instr.ColorSpace = video.ColorSpace
		instr.MasterDisplay = video.MasterDisplay
		instr.MaxCLL = video.MaxCLL
	}

	return instr
}

type widthClass int

const (
	bucketUHD widthClass = iota
	bucket1080
	bucket720
	bucketSD
)

func widthBucket(width int) widthClass {
	switch {
	case width >= widthUHD:
		return bucketUHD
	case width >= width1080:
		return bucket1080
	case width >= width720:
		return bucket720
	default:
		return bucketSD
	}
}

func crfForBucket(b widthClass) int {
	switch b {
	case bucketUHD:
		return 27
	case bucket1080:
		return 26
	case bucket720:
		return 28
	default:
		return 30
	}
}

func presetForBucket(b widthClass, sizeBytes int64) string {
	preset := 6
	if b == bucketUHD {
		preset += 2
	}
	if sizeBytes > largeSourceGiB {
		preset += 1
	}
	if preset > 10 {
		preset = 10
	}
	return presetName(preset)
}

// presetName maps a numeric scale (1 slowest .. 10 fastest) onto the
// encoder's named presets, matching the teacher's string-preset config
// (HLSPreset) rather than inventing a bespoke numeric CLI flag.
func presetName(n int) string {
	names := []string{
		"placebo", "veryslow", "slower", "slow", "medium",
		"fast", "faster", "veryfast", "superfast", "ultrafast",
	}
	if n < 1 {
		n = 1
	}
	if n > len(names) {
		n = len(names)
	}
	return names[n-1]
}

func isHEVC(codec string) bool {
	return codec == "hevc" || codec == "h265" || codec == "x265"
}

func planAudio(f domain.File) []domain.AudioInstruction {
	tracks := f.Probe.AudioTracks()
	kept := filterAudioByLanguage(tracks, f.AudioLanguage)
	kept = dropRedundantAC3(kept)

	out := make([]domain.AudioInstruction, 0, len(kept))
	for _, t := range kept {
		out = append(out, planAudioTrack(t))
	}
	return out
}

func filterAudioByLanguage(tracks []domain.MediaTrack, languages []string) []domain.MediaTrack {
	if len(languages) == 0 {
		return tracks
	}
	allowed := make(map[string]bool, len(languages))
	for _, l := range languages {
		allowed[l] = true
	}
	var out []domain.MediaTrack
	for _, t := range tracks {
		if t.Language == "" || allowed[t.Language] {
			out = append(out, t)
		}
	}
	return out
}

// dropRedundantAC3 removes an AC-3 5.1 track when a higher-channel-count
// EAC-3/TrueHD/DTS track with the same language is also present.
func dropRedundantAC3(tracks []domain.MediaTrack) []domain.MediaTrack {
	bestForLang := make(map[string]domain.MediaTrack)
	for _, t := range tracks {
		if t.Codec != "eac3" && t.Codec != "truehd" && t.Codec != "dts" {
			continue
		}
		cur, ok := bestForLang[t.Language]
		if !ok || t.Channels > cur.Channels {
			bestForLang[t.Language] = t
		}
	}

	out := make([]domain.MediaTrack, 0, len(tracks))
	for _, t := range tracks {
		if t.Codec == "ac3" && t.Channels <= 6 {
			if better, ok := bestForLang[t.Language]; ok && better.Channels > t.Channels {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func planAudioTrack(t domain.MediaTrack) domain.AudioInstruction {
	instr := domain.AudioInstruction{SourceIndex: t.Index, Language: t.Language, Channels: t.Channels}

	if alreadyCopyAudioCodecs[t.Codec] {
		instr.Copy = true
		return instr
	}

	if t.Channels <= 2 {
		instr.Codec = "aac"
		instr.BitrateKbps = 96 * max(t.Channels, 1)
		instr.Downmix = t.Channels > 2
		return instr
	}

	instr.Codec = "eac3"
	bitrate := 128 * t.Channels
	if bitrate > 768 {
		bitrate = 768
	}
	instr.BitrateKbps = bitrate
	return instr
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func planSubtitles(f domain.File) []domain.SubtitleInstruction {
	var out []domain.SubtitleInstruction
	for _, t := range f.Probe.SubtitleTracks() {
		if t.Language != "" && t.Language != "eng" && t.Language != "und" {
			continue
		}
		if !supportedSubtitleCodecs[t.Codec] {
			continue
		}
		out = append(out, domain.SubtitleInstruction{
			SourceIndex: t.Index,
			Language:    t.Language,
			Codec:       t.Codec,
		})
	}
	return out
}

// ComputeScore derives the admission-weight for f per spec §4.4: a base
// resolution fraction against a 4K reference frame, scaled up for bit
// depth, chroma subsampling, multi-track audio, and stream count, then
// rounded to the nearest eighth with an eighth floor.
func ComputeScore(f domain.File) float64 {
	if f.Probe == nil {
		return 0
	}
	video, ok := f.Probe.VideoTrack()
	if !ok {
		return 0
	}

	base := float64(video.Width*video.Height) / float64(widthUHD*2160)

	if video.BitDepth > 8 {
		base *= 1.2
	}

	switch video.ChromaSubsample {
	case "4:2:2":
		base *= 1.1
	case "4:4:4":
		base *= 1.3
	}

	audioTracks := len(f.Probe.AudioTracks())
	if audioTracks > 1 {
		base *= 1 + 0.05*float64(audioTracks-1)
	}

	if len(f.Probe.Tracks) > 10 {
		base *= 1.1
	}

	const step = 1.0 / 8.0
	score := math.Round(base/step) * step
	if score < step {
		score = step
	}
	return score
}

type planError struct{ msg string }

func (e *planError) Error() string { return "planner: " + e.msg }

func errInvalidPlan(msg string) error { return &planError{msg: msg} }
