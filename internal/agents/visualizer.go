package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/providers/llm"
)

// ImageSaver persists rendered charts and returns a URL for them.
type ImageSaver interface {
	Save(ext string, data []byte) (string, error)
}

type chartKind string

const (
	chartLine  chartKind = "line"
	chartBar   chartKind = "bar"
	chartArea  chartKind = "area"
	chartMixed chartKind = "mixed"
)

type chartSpec struct {
	kind   chartKind
	title  string
	colors []color.RGBA
}

func hex(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

var chartSpecs = map[string]chartSpec{
	TopicMarket:     {chartLine, "Acciones", []color.RGBA{hex(0x2E7D32), hex(0xC62828), hex(0x1565C0)}},
	TopicCurrency:   {chartLine, "Tipos de cambio", []color.RGBA{hex(0x1565C0), hex(0xFFA000)}},
	TopicInterest:   {chartBar, "Tasas de interés (%)", []color.RGBA{hex(0x2E7D32), hex(0x1565C0), hex(0xFFA000), hex(0x6200EA), hex(0xC62828)}},
	TopicInflation:  {chartArea, "Inflación por categoría (%)", []color.RGBA{hex(0xC62828), hex(0xF57C00)}},
	TopicInvestment: {chartMixed, "Mercado e inversiones", []color.RGBA{hex(0x1565C0), hex(0x2E7D32), hex(0xFFA000)}},
	"":              {chartLine, "Indicadores financieros", []color.RGBA{hex(0x1565C0), hex(0x2E7D32)}},
}

type dataPoint struct {
	Label string
	Value float64
}

const maxDataPoints = 12

// ChartVisualizer renders a PNG chart of the figures behind the answer and,
// when an image backend is configured, asks it for an illustration.
type ChartVisualizer struct {
	Store  ImageSaver
	Images llm.ImageClient
	Width  int
	Height int

	now func() time.Time
}

func NewChartVisualizer(store ImageSaver, images llm.ImageClient) *ChartVisualizer {
	return &ChartVisualizer{Store: store, Images: images, Width: 800, Height: 480, now: time.Now}
}

func (v *ChartVisualizer) Name() string { return "chart_visualizer" }

func (v *ChartVisualizer) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	if strings.TrimSpace(view.Response) == "" {
		return nil, fmt.Errorf("visualizer: %w: response", ErrMissingInput)
	}
	topic := view.Topic()
	spec, ok := chartSpecs[topic]
	if !ok {
		spec = chartSpecs[""]
	}
	var live map[string]any
	if view.Analysis != nil {
		live = view.Analysis.LiveData
	}
	points := extractDataPoints(view.Response, live)
	if len(points) == 0 {
		return nil, fmt.Errorf("visualizer: no data points for topic %q", topic)
	}

	chart, err := v.render(spec, points)
	if err != nil {
		return nil, fmt.Errorf("visualizer: render: %w", err)
	}
	chartURL, err := v.Store.Save("png", chart)
	if err != nil {
		return nil, fmt.Errorf("visualizer: save chart: %w", err)
	}

	now := time.Now
	if v.now != nil {
		now = v.now
	}
	out := &models.StageOutput{
		Visualization: &models.Visualization{
			VisualizationURL: chartURL,
			Metadata: map[string]any{
				"topic":        topic,
				"chart":        map[string]any{"type": string(spec.kind), "data_points": len(points)},
				"query_id":     view.QueryID,
				"generated_at": now().UTC().Format(time.RFC3339),
			},
		},
		Context: map[string]any{"chart_type": string(spec.kind)},
	}

	if v.Images != nil {
		prompt := imagePrompt(topic, points)
		imageURL, err := v.Images.GenerateImage(ctx, prompt)
		switch {
		case errors.Is(err, llm.ErrNotConfigured):
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.FromContext(ctx).Warn("illustration failed", zap.Error(err))
			out.Warnings = append(out.Warnings, fmt.Sprintf("illustration unavailable: %v", err))
		default:
			out.Visualization.ImageURL = imageURL
			out.Visualization.Metadata["image_prompt"] = prompt
		}
	}
	return out, nil
}

func imagePrompt(topic string, points []dataPoint) string {
	labels := make([]string, 0, len(points))
	for _, p := range points[:min(len(points), 5)] {
		labels = append(labels, p.Label)
	}
	if topic == "" {
		topic = TopicGeneral
	}
	return fmt.Sprintf("Ilustración financiera profesional y minimalista sobre %s, con referencias a %s. Estilo infográfico, colores sobrios, sin texto largo.",
		topic, strings.Join(labels, ", "))
}

var percentRE = regexp.MustCompile(`([\p{L}]+)?[^\p{L}\d+-]*([+-]?\d+(?:[.,]\d+)?)\s*%`)

// extractDataPoints collects numeric leaves of the live data (sorted by path)
// and then percentages mentioned in the answer text.
func extractDataPoints(text string, live map[string]any) []dataPoint {
	var points []dataPoint
	seen := map[string]bool{}
	add := func(label string, v float64) {
		if label == "" || seen[label] || len(points) >= maxDataPoints || !plottable(v) {
			return
		}
		seen[label] = true
		points = append(points, dataPoint{Label: label, Value: v})
	}

	var walk func(label string, v any)
	walk = func(label string, v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, k := range sortedKeys(t) {
				walk(leafLabel(label, k), t[k])
			}
		case float64:
			add(label, t)
		case int:
			add(label, float64(t))
		case string:
			if f, ok := parseFigure(t); ok {
				add(label, f)
			}
		}
	}
	for _, k := range sortedKeys(live) {
		walk("", live[k])
	}

	for _, m := range percentRE.FindAllStringSubmatch(text, -1) {
		if f, ok := parseFigure(m[2]); ok {
			label := m[1]
			if label == "" {
				label = m[2] + "%"
			}
			add(strings.ToLower(label), f)
		}
	}
	return points
}

// leafLabel keeps the most specific path elements; generic leaf names such as
// "value" are replaced by their parent.
func leafLabel(parent, key string) string {
	switch key {
	case "value", "price", "current_rate", "return_ytd", "percentage", "actual":
		if parent != "" {
			return parent
		}
	case "change", "change_percent", "planned", "forecast":
		if parent != "" {
			return parent + " " + key
		}
	}
	return key
}

// parseFigure reads "4,780.25", "+0.8%" or "17.50".
func parseFigure(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, false
	}
	if strings.Count(s, ",") > 0 && strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !plottable(f) {
		return 0, false
	}
	return f, true
}

// maxFigure bounds the magnitude of a charted value.
const maxFigure = 1e12

func plottable(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && math.Abs(f) <= maxFigure
}

const (
	marginLeft   = 60
	marginRight  = 20
	marginTop    = 40
	marginBottom = 70
)

func (v *ChartVisualizer) render(spec chartSpec, points []dataPoint) ([]byte, error) {
	w, h := v.Width, v.Height
	if w <= marginLeft+marginRight || h <= marginTop+marginBottom {
		w, h = 800, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	lo, hi := 0.0, 0.0
	for _, p := range points {
		lo, hi = min(lo, p.Value), max(hi, p.Value)
	}
	if hi == lo {
		hi = lo + 1
	}
	plotW := w - marginLeft - marginRight
	plotH := h - marginTop - marginBottom
	y := func(val float64) int {
		off := float64(plotH) * (hi - val) / (hi - lo)
		if math.IsNaN(off) {
			off = 0
		}
		return marginTop + int(math.Max(0, math.Min(off, float64(plotH))))
	}
	slot := plotW / len(points)
	x := func(i int) int { return marginLeft + slot*i + slot/2 }

	axis := color.RGBA{0x55, 0x55, 0x55, 0xff}
	drawLine(img, marginLeft, marginTop, marginLeft, marginTop+plotH, axis)
	drawLine(img, marginLeft, y(0), marginLeft+plotW, y(0), axis)
	drawText(img, marginLeft, marginTop-16, spec.title, color.Black)
	drawText(img, 4, marginTop+8, strconv.FormatFloat(hi, 'f', 2, 64), axis)
	drawText(img, 4, marginTop+plotH, strconv.FormatFloat(lo, 'f', 2, 64), axis)

	if spec.kind == chartBar || spec.kind == chartMixed {
		barW := max(slot*2/3, 2)
		for i, p := range points {
			c := spec.colors[i%len(spec.colors)]
			top, bottom := y(p.Value), y(0)
			if top > bottom {
				top, bottom = bottom, top
			}
			draw.Draw(img, image.Rect(x(i)-barW/2, top, x(i)+barW/2, bottom+1), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
	if spec.kind == chartArea {
		fill := spec.colors[0]
		fill.A = 0x50
		for i := 0; i+1 < len(points); i++ {
			fillUnder(img, x(i), y(points[i].Value), x(i+1), y(points[i+1].Value), y(0), fill)
		}
	}
	if spec.kind != chartBar {
		c := spec.colors[0]
		if spec.kind == chartMixed {
			c = spec.colors[len(spec.colors)-1]
		}
		for i := 0; i+1 < len(points); i++ {
			for d := -1; d <= 1; d++ {
				drawLine(img, x(i), y(points[i].Value)+d, x(i+1), y(points[i+1].Value)+d, c)
			}
		}
		for i, p := range points {
			draw.Draw(img, image.Rect(x(i)-3, y(p.Value)-3, x(i)+4, y(p.Value)+4), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}

	for i, p := range points {
		label := p.Label
		if r := []rune(label); len(r) > slot/7 && slot/7 > 1 {
			label = string(r[:slot/7-1]) + "."
		}
		drawText(img, x(i)-len([]rune(label))*7/2, marginTop+plotH+18, label, color.Black)
		drawText(img, x(i)-12, y(p.Value)-6, strconv.FormatFloat(p.Value, 'f', -1, 64), axis)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawText(img draw.Image, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawLine is Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// fillUnder shades the band between a segment and the baseline.
func fillUnder(img *image.RGBA, x0, y0, x1, y1, base int, c color.RGBA) {
	src := image.NewUniform(c)
	for xx := x0; xx <= x1; xx++ {
		yy := y0
		if x1 != x0 {
			yy = y0 + (y1-y0)*(xx-x0)/(x1-x0)
		}
		top, bottom := min(yy, base), max(yy, base)
		draw.Draw(img, image.Rect(xx, top, xx+1, bottom), src, image.Point{}, draw.Over)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
