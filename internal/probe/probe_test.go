package probe

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeEmptyPath(t *testing.T) {
	p := New("")
	cases := []string{"", "   "}
	for _, path := range cases {
		_, err := p.Probe(context.Background(), path)
		require.Error(t, err)
		require.Contains(t, err.Error(), "file path is required")
	}
}

func TestNewDefaultBinary(t *testing.T) {
	require.Equal(t, "ffprobe", New("").binary)
	require.Equal(t, "ffprobe", New("   ").binary)
	require.Equal(t, "/usr/local/bin/ffprobe", New("/usr/local/bin/ffprobe").binary)
}

func TestGetTagCaseInsensitive(t *testing.T) {
	cases := []struct {
		name string
		tags map[string]string
		key  string
		want string
	}{
		{"exact match", map[string]string{"language": "eng"}, "language", "eng"},
		{"uppercase match", map[string]string{"LANGUAGE": "eng"}, "language", "eng"},
		{"lowercase match from mixed key", map[string]string{"title": "Commentary"}, "TITLE", "Commentary"},
		{"no match", map[string]string{"codec": "aac"}, "language", ""},
		{"exact takes priority over upper", map[string]string{"language": "exact", "LANGUAGE": "upper"}, "language", "exact"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, getTag(tc.tags, tc.key))
		})
	}
}

func TestGetTagEmptyMap(t *testing.T) {
	require.Equal(t, "", getTag(nil, "language"))
	require.Equal(t, "", getTag(map[string]string{}, "language"))
}

func mkPayload(streams []probeStream, dur, size, bitrate string) []byte {
	p := probePayload{Streams: streams, Format: probeFormat{Duration: dur, Size: size, BitRate: bitrate}}
	data, _ := json.Marshal(p)
	return data
}

func mkPayloadWithFormatTags(streams []probeStream, dur string, tags map[string]string) []byte {
	p := probePayload{Streams: streams, Format: probeFormat{Duration: dur, Tags: tags}}
	data, _ := json.Marshal(p)
	return data
}

func mkVideoStream(codec string, w, h int, frameRate, pixFmt string, bitDepth string, tags map[string]string, isDefault bool) probeStream {
	def := 0
	if isDefault {
		def = 1
	}
	return probeStream{
		CodecType:        "video",
		CodecName:        codec,
		Width:            w,
		Height:           h,
		RFrameRate:       frameRate,
		PixFmt:           pixFmt,
		BitsPerRawSample: bitDepth,
		Tags:             tags,
		Disposition:      struct{ Default int `json:"default"` }{Default: def},
	}
}

func mkAudioStream(codec string, channels int, tags map[string]string, isDefault bool) probeStream {
	def := 0
	if isDefault {
		def = 1
	}
	return probeStream{
		CodecType:   "audio",
		CodecName:   codec,
		Channels:    channels,
		Tags:        tags,
		Disposition: struct{ Default int `json:"default"` }{Default: def},
	}
}

func mkSubtitleStream(codec string, tags map[string]string, isDefault bool) probeStream {
	def := 0
	if isDefault {
		def = 1
	}
	return probeStream{
		CodecType:   "subtitle",
		CodecName:   codec,
		Tags:        tags,
		Disposition: struct{ Default int `json:"default"` }{Default: def},
	}
}

func TestParseProbeOutputVideoAudioSubtitle(t *testing.T) {
	data := mkPayload([]probeStream{
		mkVideoStream("h264", 1920, 1080, "24/1", "yuv420p", "8", map[string]string{"language": "und"}, true),
		mkAudioStream("aac", 2, map[string]string{"language": "eng", "title": "English"}, true),
		mkAudioStream("ac3", 6, map[string]string{"language": "rus", "title": "Russian"}, false),
		mkSubtitleStream("subrip", map[string]string{"language": "eng", "title": "English"}, true),
		mkSubtitleStream("ass", map[string]string{"language": "jpn"}, false),
	}, "7200.500", "", "")

	result, err := parseProbeOutput(data)
	require.NoError(t, err)
	require.Equal(t, 7200.5, result.DurationSeconds)

	counts := map[string]int{}
	for _, tr := range result.Tracks {
		counts[tr.Type]++
	}
	require.Equal(t, 1, counts["video"])
	require.Equal(t, 2, counts["audio"])
	require.Equal(t, 2, counts["subtitle"])

	vt, ok := result.VideoTrack()
	require.True(t, ok)
	require.Equal(t, "h264", vt.Codec)
	require.True(t, vt.Default)

	audio := result.AudioTracks()
	require.Equal(t, "eng", audio[0].Language)
	require.Equal(t, "English", audio[0].Title)
	require.Equal(t, 1, audio[1].Index)
	require.Equal(t, "ac3", audio[1].Codec)

	subs := result.SubtitleTracks()
	require.Equal(t, "eng", subs[0].Language)
	require.Equal(t, 1, subs[1].Index)
}

func TestParseProbeOutputTrackIndexing(t *testing.T) {
	data := mkPayload([]probeStream{
		mkVideoStream("h264", 1920, 1080, "24/1", "yuv420p", "8", nil, true),
		mkAudioStream("aac", 2, nil, true),
		mkAudioStream("ac3", 6, nil, false),
		mkSubtitleStream("srt", nil, false),
		mkVideoStream("mjpeg", 0, 0, "", "", "", nil, false),
		mkSubtitleStream("ass", nil, false),
	}, "90.0", "", "")

	result, err := parseProbeOutput(data)
	require.NoError(t, err)

	want := []struct {
		typ   string
		index int
	}{
		{"video", 0}, {"audio", 0}, {"audio", 1}, {"subtitle", 0}, {"video", 1}, {"subtitle", 1},
	}
	require.Len(t, result.Tracks, len(want))
	for i, w := range want {
		require.Equal(t, w.typ, result.Tracks[i].Type)
		require.Equal(t, w.index, result.Tracks[i].Index)
	}
}

func TestParseProbeOutputSetsEncodeVersionFromFormatTags(t *testing.T) {
	data := mkPayloadWithFormatTags(
		[]probeStream{mkVideoStream("hevc", 1920, 1080, "24/1", "yuv420p10le", "10", nil, true)},
		"60.0",
		map[string]string{"encode_version": "hevc-10bit-v1"},
	)

	result, err := parseProbeOutput(data)
	require.NoError(t, err)
	require.Equal(t, "hevc-10bit-v1", result.EncodeVersion)
}

func TestParseProbeOutputEncodeVersionCaseInsensitiveAndTrimmed(t *testing.T) {
	data := mkPayloadWithFormatTags(nil, "1.0", map[string]string{"ENCODE_VERSION": "  hevc-10bit-v1  "})
	result, err := parseProbeOutput(data)
	require.NoError(t, err)
	require.Equal(t, "hevc-10bit-v1", result.EncodeVersion)
}

func TestParseProbeOutputNoEncodeVersionTag(t *testing.T) {
	data := mkPayloadWithFormatTags(nil, "1.0", nil)
	result, err := parseProbeOutput(data)
	require.NoError(t, err)
	require.Empty(t, result.EncodeVersion)
}

func TestParseProbeOutputWhitespaceTags(t *testing.T) {
	data := mkPayload([]probeStream{
		mkAudioStream("aac", 2, map[string]string{"language": "  eng  ", "title": "  Main Audio  "}, true),
	}, "10.0", "", "")

	result, err := parseProbeOutput(data)
	require.NoError(t, err)
	require.Equal(t, "eng", result.Tracks[0].Language)
	require.Equal(t, "Main Audio", result.Tracks[0].Title)
}

func TestParseProbeOutputInvalidJSON(t *testing.T) {
	cases := [][]byte{[]byte{}, []byte("not json at all"), []byte(`{"streams":`)}
	for _, data := range cases {
		_, err := parseProbeOutput(data)
		require.Error(t, err)
	}
}

func TestParseProbeOutputNullJSON(t *testing.T) {
	result, err := parseProbeOutput([]byte("null"))
	require.NoError(t, err)
	require.Empty(t, result.Tracks)
	require.Zero(t, result.DurationSeconds)
}

func TestParseProbeOutputMinimalValid(t *testing.T) {
	data := []byte(`{"format":{"duration":"42.0"}}`)
	result, err := parseProbeOutput(data)
	require.NoError(t, err)
	require.Empty(t, result.Tracks)
	require.Equal(t, 42.0, result.DurationSeconds)
}

func TestParseFrameRate(t *testing.T) {
	cases := []struct {
		name string
		rate string
		want float64
	}{
		{"fraction 24000/1001", "24000/1001", 24000.0 / 1001.0},
		{"fraction 30/1", "30/1", 30.0},
		{"zero over zero", "0/0", 0},
		{"empty string", "", 0},
		{"invalid", "abc", 0},
		{"zero denominator", "30/0", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseFrameRate(tc.rate)
			require.InDelta(t, tc.want, got, 0.01)
		})
	}
}

func TestParseProbeOutputVideoResolutionFPSBitDepth(t *testing.T) {
	data := mkPayload([]probeStream{
		mkVideoStream("hevc", 3840, 2160, "24000/1001", "yuv420p10le", "10", map[string]string{"language": "und"}, true),
		mkAudioStream("eac3", 8, map[string]string{"language": "eng"}, true),
	}, "7200.0", "", "")

	result, err := parseProbeOutput(data)
	require.NoError(t, err)

	vt, ok := result.VideoTrack()
	require.True(t, ok)
	require.Equal(t, 3840, vt.Width)
	require.Equal(t, 2160, vt.Height)
	require.Equal(t, 10, vt.BitDepth)
	require.InDelta(t, 24000.0/1001.0, vt.FPS, 0.01)

	audio := result.AudioTracks()
	require.Equal(t, 8, audio[0].Channels)
}

func TestApplySideDataHDRAndDolbyVision(t *testing.T) {
	data := mkPayload([]probeStream{
		{
			CodecType: "video", CodecName: "hevc", Width: 3840, Height: 2160,
			ColorTransfer: "smpte2084", ColorPrimaries: "bt2020", ColorSpace: "bt2020nc",
			SideDataList: []sideData{
				{SideDataType: "Mastering display metadata", MinLuminance: "0.005", MaxLuminance: "1000"},
				{SideDataType: "Content light level metadata", MaxContent: 1000, MaxAverage: 400},
				{SideDataType: "DOVI configuration record", DVProfile: 8},
			},
		},
	}, "60.0", "", "")

	result, err := parseProbeOutput(data)
	require.NoError(t, err)

	vt, ok := result.VideoTrack()
	require.True(t, ok)
	require.True(t, result.IsPQTransfer())
	require.Contains(t, vt.MasterDisplay, "1000")
	require.Equal(t, "1000,400", vt.MaxCLL)
	require.Equal(t, 8, vt.DolbyVision)
}

func TestChromaSubsampleFromPixFmt(t *testing.T) {
	require.Equal(t, "4:2:0", chromaSubsampleFromPixFmt("yuv420p"))
	require.Equal(t, "4:2:2", chromaSubsampleFromPixFmt("yuv422p10le"))
	require.Equal(t, "4:4:4", chromaSubsampleFromPixFmt("yuv444p"))
	require.Equal(t, "", chromaSubsampleFromPixFmt(""))
}

func TestDisplayAspect(t *testing.T) {
	require.Equal(t, "1.78:1", displayAspect(1920, 1080))
	require.Equal(t, "", displayAspect(1920, 0))
}

func TestParseProbeOutputReadsLowDolbyVisionProfile(t *testing.T) {
	// parseProbeOutput does not itself reject; Probe does, after running the
	// binary. This checks that the profile Probe's rejection reads is parsed
	// from the side data of a hand-built payload.
	data := mkPayload([]probeStream{
		{
			CodecType: "video", CodecName: "hevc", Width: 3840, Height: 2160,
			SideDataList: []sideData{{SideDataType: "DOVI configuration record", DVProfile: 5}},
		},
	}, "60.0", "", "")
	result, err := parseProbeOutput(data)
	require.NoError(t, err)
	vt, _ := result.VideoTrack()
	require.Equal(t, 5, vt.DolbyVision)
}

func TestProbeNonExistentBinary(t *testing.T) {
	p := New("/nonexistent/path/to/ffprobe_does_not_exist")
	_, err := p.Probe(context.Background(), "/some/file.mkv")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ffprobe failed")
}

func TestMaxProbeTimeoutConst(t *testing.T) {
	require.Equal(t, 60*time.Second, maxProbeTimeout)
}

func ffprobeAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe binary not available, skipping integration test")
	}
}

func TestProbeValidFile(t *testing.T) {
	ffprobeAvailable(t)

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg binary not available, cannot generate test fixture")
	}

	tmpFile := t.TempDir() + "/test.mkv"
	cmd := exec.Command(ffmpegPath,
		"-f", "lavfi", "-i", "testsrc=duration=1:size=64x64:rate=1",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=1",
		"-c:v", "libx264", "-preset", "ultrafast",
		"-c:a", "aac",
		"-metadata:s:a:0", "language=eng",
		"-y", tmpFile,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Skipf("ffmpeg failed to create test file: %v\n%s", err, out)
	}

	p := New("")
	result, err := p.Probe(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Greater(t, result.DurationSeconds, 0.0)

	vt, ok := result.VideoTrack()
	require.True(t, ok)
	require.Equal(t, "h264", vt.Codec)
	require.Equal(t, 64, vt.Width)

	audio := result.AudioTracks()
	require.NotEmpty(t, audio)
	require.Equal(t, "aac", audio[0].Codec)
}

// TestProbeRoundTripsEncodeVersionTag covers the §3 invariant end to end:
// a file carrying the same -metadata encode_version=... tag the supervisor
// writes via buildArgv (internal/supervisor/argv.go) must come back out of
// Prober.Probe with ProbeResult.EncodeVersion set to that value, since
// internal/ingest relies on this to decide status=complete.
func TestProbeRoundTripsEncodeVersionTag(t *testing.T) {
	ffprobeAvailable(t)

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg binary not available, cannot generate test fixture")
	}

	tmpFile := t.TempDir() + "/test.mkv"
	cmd := exec.Command(ffmpegPath,
		"-f", "lavfi", "-i", "testsrc=duration=1:size=64x64:rate=1",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=1",
		"-c:v", "libx264", "-preset", "ultrafast",
		"-c:a", "aac",
		"-metadata", "encode_version=hevc-10bit-v1",
		"-y", tmpFile,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Skipf("ffmpeg failed to create test file: %v\n%s", err, out)
	}

	p := New("")
	result, err := p.Probe(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "hevc-10bit-v1", result.EncodeVersion)
}

func TestProbeTimeout(t *testing.T) {
	ffprobeAvailable(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	p := New("")
	_, err := p.Probe(ctx, "/dev/null")
	require.Error(t, err)
}
