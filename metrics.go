package main

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/wcharczuk/go-chart"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// ===========================================================================
// METRICS SINK
// ===========================================================================
//
// Every log step the trainer hands the sink its scalar losses and the first
// sample of the batch (generated frame, real frame, target sketch). The
// sink:
//   - computes match accuracy and SSIM between generated and real
//   - writes the triptych generated | real | sketch to images/
//   - rewrites metrics.csv with every record so far
//   - redraws losses.png
//   - emits one log record
//
// ===========================================================================

// StepMetrics is one row of metrics.csv.
type StepMetrics struct {
	Step    int     `csv:"step"`
	Epoch   int     `csv:"epoch"`
	Batch   int     `csv:"batch"`
	LossD   float64 `csv:"loss_d"`
	LossG   float64 `csv:"loss_g"`
	Content float64 `csv:"content"`
	FM      float64 `csv:"fm"`
	Adv     float64 `csv:"adv"`
	Match   float64 `csv:"embed_match"`
	PixAcc  float64 `csv:"match"`
	SSIM    float64 `csv:"ssim"`
}

// MetricsSink persists training metrics under the training directory.
type MetricsSink struct {
	fs        afero.Fs
	dir       string
	frameSize int
	log       *zap.Logger

	records []StepMetrics
}

// NewMetricsSink creates a sink writing under dir.
func NewMetricsSink(fs afero.Fs, dir string, frameSize int, log *zap.Logger) *MetricsSink {
	return &MetricsSink{fs: fs, dir: dir, frameSize: frameSize, log: log}
}

func (m *MetricsSink) csvPath() string   { return filepath.Join(m.dir, "metrics.csv") }
func (m *MetricsSink) chartPath() string { return filepath.Join(m.dir, "losses.png") }
func (m *MetricsSink) imagesDir() string { return filepath.Join(m.dir, "images") }

// Resume reloads metrics.csv, dropping records past step (they belong to
// work lost with the previous process).
func (m *MetricsSink) Resume(step int) error {
	buf, err := afero.ReadFile(m.fs, m.csvPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", m.csvPath())
	}

	var records []StepMetrics
	if err := gocsv.UnmarshalBytes(buf, &records); err != nil {
		return errors.Wrapf(err, "parsing %s", m.csvPath())
	}
	m.records = m.records[:0]
	for _, r := range records {
		if r.Step <= step {
			m.records = append(m.records, r)
		}
	}
	return nil
}

// Records returns the records so far.
func (m *MetricsSink) Records() []StepMetrics { return m.records }

// Record fills in the image metrics of rec and persists everything.
func (m *MetricsSink) Record(rec StepMetrics, generated, real, sketch []float64) (StepMetrics, error) {
	rec.PixAcc = MatchAccuracy(generated, real)
	rec.SSIM = SSIM(generated, real, m.frameSize)
	m.records = append(m.records, rec)

	if err := m.fs.MkdirAll(m.imagesDir(), 0755); err != nil {
		return rec, errors.Wrapf(err, "creating %s", m.imagesDir())
	}
	trip := Triptych(m.frameSize, generated, real, sketch)
	path := filepath.Join(m.imagesDir(), fmt.Sprintf("step_%08d.png", rec.Step))
	if err := writePNG(m.fs, path, trip); err != nil {
		return rec, err
	}

	if err := m.writeCSV(); err != nil {
		return rec, err
	}
	if err := m.writeChart(); err != nil {
		return rec, err
	}

	m.log.Info("step",
		zap.Int("step", rec.Step),
		zap.Int("epoch", rec.Epoch),
		zap.Int("batch", rec.Batch),
		zap.Float64("loss_d", rec.LossD),
		zap.Float64("loss_g", rec.LossG),
		zap.Float64("match", rec.PixAcc),
		zap.Float64("ssim", rec.SSIM))
	return rec, nil
}

func (m *MetricsSink) writeCSV() error {
	buf, err := gocsv.MarshalBytes(&m.records)
	if err != nil {
		return errors.Wrap(err, "encoding metrics")
	}
	return writeFileAtomic(m.fs, m.csvPath(), buf)
}

// writeChart plots the generator and discriminator losses over steps. It
// needs at least two records.
func (m *MetricsSink) writeChart() error {
	if len(m.records) < 2 {
		return nil
	}

	steps := make([]float64, len(m.records))
	lossG := make([]float64, len(m.records))
	lossD := make([]float64, len(m.records))
	for i, r := range m.records {
		steps[i] = float64(r.Step)
		lossG[i] = r.LossG
		lossD[i] = r.LossD
	}

	graph := chart.Chart{
		Title:      "Losses",
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "Step",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		YAxis: chart.YAxis{
			Name:      "Loss",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "generator",
				XValues: steps,
				YValues: lossG,
				Style:   chart.Style{Show: true, StrokeColor: chart.GetAlternateColor(0)},
			},
			chart.ContinuousSeries{
				Name:    "discriminator",
				XValues: steps,
				YValues: lossD,
				Style:   chart.Style{Show: true, StrokeColor: chart.GetAlternateColor(1)},
			},
		},
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return errors.Wrap(err, "rendering loss chart")
	}
	return writeFileAtomic(m.fs, m.chartPath(), buf.Bytes())
}

// Triptych lays three flattened frames side by side.
func Triptych(size int, frames ...[]float64) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, len(frames)*size, size))
	for i, f := range frames {
		r := image.Rect(i*size, 0, (i+1)*size, size)
		draw.Draw(out, r, chwToRGBA(f, size), image.Point{}, draw.Src)
	}
	return out
}

// LossSummary describes a loss history.
type LossSummary struct {
	Count  int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
	StdDev float64
	Last   float64
}

// SummarizeLosses computes a LossSummary; the zero value for no data.
func SummarizeLosses(xs []float64) LossSummary {
	if len(xs) == 0 {
		return LossSummary{}
	}
	data := stats.Float64Data(xs)
	s := LossSummary{Count: len(xs), Last: xs[len(xs)-1]}
	s.Mean, _ = data.Mean()
	s.Median, _ = data.Median()
	s.Min, _ = data.Min()
	s.Max, _ = data.Max()
	s.StdDev, _ = data.StandardDeviation()
	return s
}

// String renders the summary for logs and inspect.
func (s LossSummary) String() string {
	if s.Count == 0 {
		return "no data"
	}
	return fmt.Sprintf("n=%d last=%.4f mean=%.4f median=%.4f min=%.4f max=%.4f std=%.4f",
		s.Count, s.Last, s.Mean, s.Median, s.Min, s.Max, s.StdDev)
}
