package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math/rand"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// FrameSource gives random access to the frames of one video.
type FrameSource interface {
	Count(ctx context.Context) (int, error)
	Frame(ctx context.Context, i int) (image.Image, error)
}

// SelectFrameIndices draws t frame indices out of n, uniformly with
// repetition, in ascending order.
func SelectFrameIndices(n, t int, rng *rand.Rand) []int {
	idx := make([]int, t)
	for i := range idx {
		idx[i] = rng.Intn(n)
	}
	sort.Ints(idx)
	return idx
}

// DirFrameSource serves the images of a directory, in name order, as
// frames.
type DirFrameSource struct {
	fs    afero.Fs
	files []string
}

// NewDirFrameSource lists the images under dir.
func NewDirFrameSource(fs afero.Fs, dir string) (*DirFrameSource, error) {
	files, err := listImages(fs, dir)
	if err != nil {
		return nil, err
	}
	return &DirFrameSource{fs: fs, files: files}, nil
}

// Count implements FrameSource.
func (s *DirFrameSource) Count(ctx context.Context) (int, error) {
	return len(s.files), nil
}

// Frame implements FrameSource.
func (s *DirFrameSource) Frame(ctx context.Context, i int) (image.Image, error) {
	if i < 0 || i >= len(s.files) {
		return nil, errors.Errorf("frame %d out of range [0,%d)", i, len(s.files))
	}
	return decodeImageFile(s.fs, s.files[i])
}

// FFmpegFrameSource extracts frames from a video file with the ffprobe and
// ffmpeg binaries.
type FFmpegFrameSource struct {
	Path    string
	FFprobe string
	FFmpeg  string
}

// NewFFmpegFrameSource uses the binaries found on PATH.
func NewFFmpegFrameSource(path string) *FFmpegFrameSource {
	return &FFmpegFrameSource{Path: path, FFprobe: "ffprobe", FFmpeg: "ffmpeg"}
}

// Count implements FrameSource.
func (s *FFmpegFrameSource) Count(ctx context.Context) (int, error) {
	out, err := runCommand(ctx, s.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "csv=p=0",
		s.Path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing frame count of %s", s.Path)
	}
	return n, nil
}

// Frame implements FrameSource.
func (s *FFmpegFrameSource) Frame(ctx context.Context, i int) (image.Image, error) {
	out, err := runCommand(ctx, s.FFmpeg,
		"-v", "error",
		"-i", s.Path,
		"-vf", fmt.Sprintf(`select=eq(n\,%d)`, i),
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.Errorf("no frame %d in %s", i, s.Path)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding frame %d of %s", i, s.Path)
	}
	return img, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ExtractPairs turns the frames at indices into (frame, sketch) pairs of
// size x size. A frame that cannot be read or has no detectable face
// fails only its own slot; failed slots are backfilled from successful
// ones. ErrNoFrames is returned when every slot failed.
func ExtractPairs(ctx context.Context, src FrameSource, det LandmarkDetector, indices []int, size int, log *zap.Logger) ([]FrameResult, error) {
	results := make([]FrameResult, len(indices))
	for slot, idx := range indices {
		results[slot] = extractPair(ctx, src, det, idx, size)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	filled, err := backfill(results)
	if err != nil {
		return nil, errors.Wrapf(ErrNoFrames, "all %d frames failed", len(indices))
	}
	for slot, r := range results {
		if r.Err != nil {
			log.Warn("frame extraction failed, slot backfilled",
				zap.Int("slot", slot),
				zap.Int("frame", indices[slot]),
				zap.Error(r.Err))
		}
	}
	if filled > 0 {
		log.Info("extraction done", zap.Int("frames", len(indices)), zap.Int("backfilled", filled))
	}
	return results, nil
}

func extractPair(ctx context.Context, src FrameSource, det LandmarkDetector, idx, size int) FrameResult {
	img, err := src.Frame(ctx, idx)
	if err != nil {
		return FrameResult{Err: err}
	}
	lm, err := det.Detect(ctx, img)
	if err != nil {
		return FrameResult{Err: errors.Wrapf(err, "frame %d", idx)}
	}
	frame, sketch, err := RenderSketch(img, lm, size)
	if err != nil {
		return FrameResult{Err: errors.Wrapf(err, "frame %d", idx)}
	}
	return FrameResult{
		Frame:  imageToCHW(frame, size),
		Sketch: imageToCHW(sketch, size),
	}
}
