package supervisor

import (
	"fmt"
	"strconv"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

// buildArgv assembles the ffmpeg command line from the planner's
// instructions (spec §4.3 step 5): one -map per preserved stream, codec and
// codec-argument pairs, audio per-stream parameters and language metadata,
// subtitle copy and language metadata, and a metadata tag recording the
// target encode version.
func buildArgv(input, output string, instr domain.Instructions, encodeVersion string) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-loglevel", "error",
		"-progress", "pipe:1",
		"-i", input,
	}

	args = append(args, "-map", fmt.Sprintf("0:%d", instr.Video.SourceIndex))
	for _, a := range instr.Audio {
		args = append(args, "-map", fmt.Sprintf("0:%d", a.SourceIndex))
	}
	for _, s := range instr.Subtitles {
		args = append(args, "-map", fmt.Sprintf("0:%d", s.SourceIndex))
	}

	args = append(args, videoArgs(instr.Video)...)
	args = append(args, audioArgs(instr.Audio)...)
	if len(instr.Subtitles) > 0 {
		args = append(args, "-c:s", "copy")
		for i, s := range instr.Subtitles {
			if s.Language != "" {
				args = append(args, fmt.Sprintf("-metadata:s:s:%d", i), fmt.Sprintf("language=%s", s.Language))
			}
		}
	}

	args = append(args, "-metadata", fmt.Sprintf("encode_version=%s", encodeVersion))
	args = append(args, output)
	return args
}

func videoArgs(v domain.VideoInstruction) []string {
	if v.Copy {
		return []string{"-c:v:0", "copy"}
	}

	args := []string{
		"-c:v:0", v.Codec,
		"-crf", strconv.Itoa(v.CRF),
		"-preset", v.Preset,
		"-pix_fmt", v.PixFmt,
		"-g", strconv.Itoa(v.GOP),
		"-keyint_min", strconv.Itoa(v.KeyintMin),
	}

	if v.ColorTransfer != "" {
		args = append(args,
			"-color_primaries", v.ColorPrimaries,
			"-color_trc", v.ColorTransfer,
			"-colorspace", v.ColorSpace,
		)
	}
	if v.MasterDisplay != "" {
		args = append(args, "-master_display", v.MasterDisplay)
	}
	if v.MaxCLL != "" {
		args = append(args, "-max_cll", v.MaxCLL)
	}
	return args
}

func audioArgs(audio []domain.AudioInstruction) []string {
	var args []string
	for i, a := range audio {
		stream := fmt.Sprintf("-c:a:%d", i)
		if a.Copy {
			args = append(args, stream, "copy")
		} else {
			args = append(args, stream, a.Codec,
				fmt.Sprintf("-b:a:%d", i), fmt.Sprintf("%dk", a.BitrateKbps))
			if a.Downmix {
				args = append(args, fmt.Sprintf("-ac:a:%d", i), "2")
			}
		}
		if a.Language != "" {
			args = append(args, fmt.Sprintf("-metadata:s:a:%d", i), fmt.Sprintf("language=%s", a.Language))
		}
	}
	return args
}
