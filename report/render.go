package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"

	"github.com/TheCacophonyProject/discharge-tester/discharge"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

type panel struct {
	title string
	unit  string
	color color.Color
	value func(discharge.Sample) float64
}

var allPanels = []panel{
	{"Voltage", "V", color.RGBA{R: 220, A: 255}, func(s discharge.Sample) float64 { return s.Voltage }},
	{"Power", "W", color.RGBA{G: 160, A: 255}, func(s discharge.Sample) float64 { return s.Power }},
	{"Capacity", "Ah", color.RGBA{R: 128, B: 128, A: 255}, func(s discharge.Sample) float64 { return s.Capacity }},
	{"Energy", "Wh", color.RGBA{B: 220, A: 255}, func(s discharge.Sample) float64 { return s.Energy }},
	{"Resistance", "Ohm", color.RGBA{R: 230, G: 140, A: 255}, func(s discharge.Sample) float64 { return s.Resistance }},
}

// Renderer draws a series as a PNG with one panel per channel stacked vertically.
type Renderer struct {
	Width       vg.Length
	PanelHeight vg.Length
}

var DefaultRenderer = Renderer{Width: 12 * vg.Inch, PanelHeight: 3 * vg.Inch}

// ErrNoSamples is returned when rendering an empty series.
var ErrNoSamples = errors.New("no samples to plot")

func (r Renderer) panels(s *Series) []panel {
	if s.HasResistance && s.Summary.HasResistance() {
		return allPanels
	}
	return allPanels[:len(allPanels)-1]
}

func (r Renderer) Render(s *Series, w io.Writer) error {
	if len(s.Samples) == 0 {
		return ErrNoSamples
	}
	loc := s.Summary.First.Location()
	ticks := plot.TimeTicks{
		Format: LabelFormat(s.Summary.First, s.Summary.Last),
		Time:   plot.UnixTimeIn(loc),
	}

	ps := r.panels(s)
	rows := make([][]*plot.Plot, len(ps))
	for i, pn := range ps {
		p := plot.New()
		p.Title.Text = pn.title
		p.Y.Label.Text = fmt.Sprintf("%s, %s", pn.title, pn.unit)
		p.X.Tick.Marker = ticks
		p.Add(plotter.NewGrid())

		xys := make(plotter.XYs, 0, len(s.Samples))
		for _, sample := range s.Samples {
			y := pn.value(sample)
			if math.IsNaN(y) {
				continue
			}
			xys = append(xys, plotter.XY{X: float64(sample.Timestamp.Unix()), Y: y})
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("plot %s: %w", pn.title, err)
		}
		line.Color = pn.color
		line.Width = vg.Points(1.5)
		p.Add(line)
		rows[i] = []*plot.Plot{p}
	}
	rows[0][0].Title.Text = fmt.Sprintf("%s\nMean current: %.3f A\n%s", s.Title(), s.Summary.MeanCurrent, ps[0].title)

	img := vgimg.New(r.Width, r.PanelHeight*vg.Length(len(rows)))
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      len(rows),
		Cols:      1,
		PadX:      vg.Millimeter,
		PadY:      5 * vg.Millimeter,
		PadTop:    3 * vg.Millimeter,
		PadBottom: 3 * vg.Millimeter,
		PadLeft:   3 * vg.Millimeter,
		PadRight:  5 * vg.Millimeter,
	}
	canvases := plot.Align(rows, tiles, dc)
	for i := range rows {
		rows[i][0].Draw(canvases[i][0])
	}

	png := vgimg.PngCanvas{Canvas: img}
	_, err := png.WriteTo(w)
	return err
}

// WriteFiles renders the chart and summary next to the log at logPath and
// returns their paths.
func (r Renderer) WriteFiles(logPath string, s *Series, info Info) (string, string, error) {
	chartPath, summaryPath := OutputPaths(logPath)
	if err := os.WriteFile(summaryPath, []byte(FormatSummary(s, info)), 0644); err != nil {
		return "", "", err
	}
	f, err := os.Create(chartPath)
	if err != nil {
		return "", "", err
	}
	if err := r.Render(s, f); err != nil {
		f.Close()
		os.Remove(chartPath)
		return "", summaryPath, err
	}
	if err := f.Close(); err != nil {
		return "", summaryPath, err
	}
	return chartPath, summaryPath, nil
}
