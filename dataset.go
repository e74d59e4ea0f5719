package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A preprocessed dataset is a directory of identities:
//
//   <root>/<identity>/<frame>.png
//
// Each image holds a frame and its landmark sketch side by side (width 2S,
// height S). Identities are sorted by directory name, and an identity's
// position in that order is its row in the projection table for the whole
// run. Adding or removing an identity directory therefore changes the
// identity count, which a resume refuses.
//
// A sample draws K+1 pairs from one identity: K references and the target
// (the last one). Every pair is loaded into its own FrameResult. Failed
// slots are backfilled by duplicating an earlier successful slot (or the
// first successful one, for leading failures), so the sample keeps its
// shape. Only a sample with no decodable pair fails, with ErrExtraction.
//
// ===========================================================================

var (
	// ErrExtraction is returned when no pair of a sample could be loaded.
	ErrExtraction = errors.New("no frame of the sample could be extracted")

	// ErrNoFrames is returned when a source holds no usable frames.
	ErrNoFrames = errors.New("no frames")
)

// FrameResult is the outcome of loading one (frame, sketch) pair.
type FrameResult struct {
	Frame  []float64 // flattened (3, S, S), values in [0, 1]
	Sketch []float64
	Err    error
}

// Sample is one training example: K references plus a target.
type Sample struct {
	Identity     int
	Frames       [][]float64 // K reference frames
	Sketches     [][]float64 // K reference sketches
	Target       []float64
	TargetSketch []float64
	Backfilled   int // slots filled by duplication
}

type identityDir struct {
	name  string
	files []string
}

// Dataset reads preprocessed frame|sketch pairs.
type Dataset struct {
	fs        afero.Fs
	root      string
	frameSize int
	k         int

	identities []identityDir
	cache      *lru.Cache // path → FrameResult; nil when disabled
	log        *zap.Logger
}

// OpenDataset scans root. cacheSize bounds the number of decoded pairs kept
// in memory; 0 disables the cache.
func OpenDataset(fs afero.Fs, root string, frameSize, k, cacheSize int, log *zap.Logger) (*Dataset, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", root)
	}

	ds := &Dataset{
		fs:        fs,
		root:      root,
		frameSize: frameSize,
		k:         k,
		log:       log,
	}
	if cacheSize > 0 {
		if ds.cache, err = lru.New(cacheSize); err != nil {
			return nil, errors.Wrap(err, "creating image cache")
		}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		files, err := listImages(fs, filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			log.Warn("identity has no images", zap.String("identity", name))
		}
		ds.identities = append(ds.identities, identityDir{name: name, files: files})
	}
	return ds, nil
}

func listImages(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Len returns the number of identities.
func (ds *Dataset) Len() int { return len(ds.identities) }

// Name returns the directory name of identity i.
func (ds *Dataset) Name(i int) string { return ds.identities[i].name }

// FrameDim is the flattened frame length.
func (ds *Dataset) FrameDim() int { return 3 * ds.frameSize * ds.frameSize }

// Sample draws K+1 pairs of identity i using rng.
func (ds *Dataset) Sample(i int, rng *rand.Rand) (*Sample, error) {
	files := ds.identities[i].files
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrExtraction, "identity %s has no images", ds.identities[i].name)
	}

	picks := pickFrames(len(files), ds.k+1, rng)
	results := make([]FrameResult, len(picks))
	for slot, p := range picks {
		results[slot] = ds.loadPair(files[p])
	}

	filled, err := backfill(results)
	if err != nil {
		return nil, errors.Wrapf(err, "identity %s", ds.identities[i].name)
	}
	for slot, r := range results {
		if r.Err != nil {
			ds.log.Warn("frame extraction failed, slot backfilled",
				zap.String("identity", ds.identities[i].name),
				zap.Int("slot", slot),
				zap.Error(r.Err))
		}
	}

	s := &Sample{Identity: i, Backfilled: filled}
	for _, r := range results[:ds.k] {
		s.Frames = append(s.Frames, r.Frame)
		s.Sketches = append(s.Sketches, r.Sketch)
	}
	s.Target = results[ds.k].Frame
	s.TargetSketch = results[ds.k].Sketch
	return s, nil
}

// pickFrames chooses n indices out of total: distinct when there are
// enough files, with repetition otherwise.
func pickFrames(total, n int, rng *rand.Rand) []int {
	if total >= n {
		return rng.Perm(total)[:n]
	}
	picks := make([]int, n)
	for i := range picks {
		picks[i] = rng.Intn(total)
	}
	return picks
}

// backfill replaces failed slots by the nearest earlier success, or the
// first success when no earlier one exists. Failed slots keep their Err
// for logging. It returns the number of slots filled.
func backfill(results []FrameResult) (int, error) {
	first := -1
	for i, r := range results {
		if r.Err == nil {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, ErrExtraction
	}

	filled := 0
	last := first
	for i := range results {
		if results[i].Err == nil {
			last = i
			continue
		}
		results[i].Frame = results[last].Frame
		results[i].Sketch = results[last].Sketch
		filled++
	}
	return filled, nil
}

func (ds *Dataset) loadPair(path string) FrameResult {
	if ds.cache != nil {
		if v, ok := ds.cache.Get(path); ok {
			return v.(FrameResult)
		}
	}

	r := ds.decodePair(path)
	if r.Err == nil && ds.cache != nil {
		ds.cache.Add(path, r)
	}
	return r
}

func (ds *Dataset) decodePair(path string) FrameResult {
	img, err := decodeImageFile(ds.fs, path)
	if err != nil {
		return FrameResult{Err: err}
	}
	frame, sketch, err := splitPair(img)
	if err != nil {
		return FrameResult{Err: errors.Wrap(err, path)}
	}
	return FrameResult{
		Frame:  imageToCHW(frame, ds.frameSize),
		Sketch: imageToCHW(sketch, ds.frameSize),
	}
}

// WritePair stores a frame|sketch pair in the dataset layout. Used by the
// preprocessing path and by tests to build datasets.
func WritePair(fs afero.Fs, root, identity string, index int, frame, sketch []float64, size int) error {
	dir := filepath.Join(root, identity)
	if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	img := joinPair(chwToRGBA(frame, size), chwToRGBA(sketch, size), size)
	return writePNG(fs, filepath.Join(dir, frameFileName(index)), img)
}

func frameFileName(index int) string {
	return fmt.Sprintf("%04d.png", index)
}
