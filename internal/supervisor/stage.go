package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var nonSlugChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// slugify turns a source path's basename into a filesystem-safe stage-file
// stem, per spec §4.3 step 3's "<stage>/<slug>_stage.<ext>" naming.
func slugify(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return nonSlugChars.ReplaceAllString(base, "_")
}

func stagePath(stageDir, sourcePath string) string {
	ext := filepath.Ext(sourcePath)
	return filepath.Join(stageDir, slugify(sourcePath)+"_stage"+ext)
}

// progressFunc reports periodic percent/kbps during a staging or
// finalizing copy; called at most once per second.
type progressFunc func(percent float64, kbps float64)

// stageInput copies source into stageDir (spec §4.3 step 3), skipping the
// copy if a same-size stage file already exists. onProgress is invoked
// roughly once per second with the running percent/throughput.
func stageInput(ctx context.Context, sourcePath, stageDir string, onProgress progressFunc) (string, error) {
	if stageDir == "" {
		return sourcePath, nil
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", err
	}

	dest := stagePath(stageDir, sourcePath)
	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		return "", err
	}
	if dstInfo, err := os.Stat(dest); err == nil && dstInfo.Size() == srcInfo.Size() {
		return dest, nil
	}

	if err := copyWithProgress(ctx, sourcePath, dest, srcInfo.Size(), onProgress); err != nil {
		return "", err
	}
	return dest, nil
}

// copyWithProgress streams src to dst, reporting percent/kbps to
// onProgress at most once per second.
func copyWithProgress(ctx context.Context, src, dst string, totalSize int64, onProgress progressFunc) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	buf := make([]byte, 4<<20)
	var copied int64
	start := time.Now()
	lastReport := start
	reportEvery := time.Second

	for {
		select {
		case <-ctx.Done():
			out.Close()
			os.Remove(tmp)
			return ctx.Err()
		default:
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(tmp)
				return writeErr
			}
			copied += int64(n)
			if onProgress != nil && time.Since(lastReport) >= reportEvery {
				reportCopyProgress(onProgress, copied, totalSize, time.Since(start))
				lastReport = time.Now()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			out.Close()
			os.Remove(tmp)
			return readErr
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if onProgress != nil {
		onProgress(100, 0)
	}
	return os.Rename(tmp, dst)
}

func reportCopyProgress(onProgress progressFunc, copied, total int64, window time.Duration) {
	var percent float64
	if total > 0 {
		percent = 100 * float64(copied) / float64(total)
	}
	kbps := float64(copied) / 1024 / window.Seconds()
	onProgress(percent, kbps)
}

// promote atomically moves scratch to destination (spec §4.3 step 9b):
// a same-filesystem rename, falling back to copy-then-unlink when the
// rename crosses devices (e.g. scratch and destination on separate
// mounts).
func promote(ctx context.Context, scratch, destination string, onProgress progressFunc) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	if err := os.Rename(scratch, destination); err == nil {
		return nil
	}

	info, err := os.Stat(scratch)
	if err != nil {
		return err
	}
	if err := copyWithProgress(ctx, scratch, destination, info.Size(), onProgress); err != nil {
		return err
	}
	return os.Remove(scratch)
}
