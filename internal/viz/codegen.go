package viz

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/montanaflynn/stats"

	"github.com/ashita-ai/karte/internal/model"
)

const (
	chartWidth  = "900px"
	chartHeight = "480px"

	// Safety caps. Bars and pies never show more than maxCategories
	// slices; the overflow is rolled into the 기타 bucket when the
	// aggregate tolerates it. Many or long labels flip a bar on its
	// side.
	maxCategories     = 12
	horizontalAtCount = 8
	horizontalAtRunes = 12
	overflowBucket    = "기타"

	histBins  = 10
	maxSeries = 20
)

type renderer interface {
	Render(w io.Writer) error
}

// Render turns one validated chart spec into an echarts HTML snippet.
func Render(spec model.ChartSpec, t model.Table) (string, error) {
	switch spec.ChartType {
	case model.ChartLine, model.ChartLineScatter:
		return renderLine(spec, t)
	case model.ChartBar, model.ChartGroupedBar, model.ChartStackedBar, model.ChartHorizontalBar:
		return renderBar(spec, t)
	case model.ChartPie:
		return renderPie(spec, t)
	case model.ChartHist:
		return renderHist(spec, t)
	case model.ChartScatter, model.ChartDynamicScatter:
		return renderScatter(spec, t)
	case model.ChartBox:
		return renderBox(spec, t)
	case model.ChartPyramid:
		return renderPyramid(spec, t)
	case model.ChartSunburst:
		return renderSunburst(spec, t)
	default:
		return "", fmt.Errorf("viz: unknown chart type %q", spec.ChartType)
	}
}

type labelValue struct {
	Label string
	Value float64
}

// aggregateXY buckets rows by X and reduces Y per bucket. An empty Y or
// agg "count" counts rows instead.
func aggregateXY(t model.Table, x, y, agg string) ([]labelValue, error) {
	xcol, ok := t.HasColumn(x)
	if !ok {
		return nil, fmt.Errorf("viz: column %s not in result", x)
	}
	ycol := ""
	if y != "" {
		if ycol, ok = t.HasColumn(y); !ok {
			return nil, fmt.Errorf("viz: column %s not in result", y)
		}
	}

	vals := map[string][]float64{}
	counts := map[string]float64{}
	for _, row := range t.Rows {
		xv := row[xcol]
		if xv == nil {
			continue
		}
		label := valueLabel(xv)
		counts[label]++
		if ycol != "" {
			if fv, fok := model.Float64(row[ycol]); fok {
				vals[label] = append(vals[label], fv)
			}
		}
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("viz: no values under %s", x)
	}

	out := make([]labelValue, 0, len(counts))
	for label, n := range counts {
		v, vok := reduce(vals[label], n, agg, ycol != "")
		if !vok {
			continue
		}
		out = append(out, labelValue{Label: label, Value: v})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("viz: no numeric values under %s", y)
	}
	return out, nil
}

func reduce(vals []float64, count float64, agg string, hasY bool) (float64, bool) {
	if !hasY || agg == "count" {
		return count, true
	}
	if len(vals) == 0 {
		return 0, false
	}
	data := stats.Float64Data(vals)
	var v float64
	var err error
	switch agg {
	case "sum":
		v, err = stats.Sum(data)
	case "median":
		v, err = stats.Median(data)
	case "min":
		v, err = stats.Min(data)
	case "max":
		v, err = stats.Max(data)
	default: // mean; pre-aggregated rows carry one value per bucket
		v, err = stats.Mean(data)
	}
	if err != nil {
		return 0, false
	}
	return v, true
}

// pivot buckets rows by (group, x) for multi-series charts. Groups and
// categories come back sorted; the series count is capped.
func pivot(t model.Table, x, y, group, agg string) (cats, groups []string, cells map[string]map[string]float64, err error) {
	xcol, ok := t.HasColumn(x)
	if !ok {
		return nil, nil, nil, fmt.Errorf("viz: column %s not in result", x)
	}
	gcol, ok := t.HasColumn(group)
	if !ok {
		return nil, nil, nil, fmt.Errorf("viz: column %s not in result", group)
	}
	ycol := ""
	if y != "" {
		if ycol, ok = t.HasColumn(y); !ok {
			return nil, nil, nil, fmt.Errorf("viz: column %s not in result", y)
		}
	}

	vals := map[string]map[string][]float64{}
	counts := map[string]map[string]float64{}
	catSeen := map[string]struct{}{}
	for _, row := range t.Rows {
		if row[xcol] == nil || row[gcol] == nil {
			continue
		}
		label, g := valueLabel(row[xcol]), valueLabel(row[gcol])
		catSeen[label] = struct{}{}
		if counts[g] == nil {
			counts[g] = map[string]float64{}
			vals[g] = map[string][]float64{}
		}
		counts[g][label]++
		if ycol != "" {
			if fv, fok := model.Float64(row[ycol]); fok {
				vals[g][label] = append(vals[g][label], fv)
			}
		}
	}
	if len(catSeen) == 0 {
		return nil, nil, nil, fmt.Errorf("viz: no values under %s", x)
	}

	for c := range catSeen {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return labelLess(cats[i], cats[j]) })
	for g := range counts {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	if len(groups) > maxSeries {
		groups = groups[:maxSeries]
	}

	cells = make(map[string]map[string]float64, len(groups))
	for _, g := range groups {
		cells[g] = map[string]float64{}
		for _, c := range cats {
			if n, seen := counts[g][c]; seen {
				if v, vok := reduce(vals[g][c], n, agg, ycol != ""); vok {
					cells[g][c] = v
				}
			}
		}
	}
	return cats, groups, cells, nil
}

func renderLine(spec model.ChartSpec, t model.Table) (string, error) {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: chartTitle(spec)}),
	)

	if spec.Group != "" {
		cats, groups, cells, err := pivot(t, spec.X, spec.Y, spec.Group, spec.Agg)
		if err != nil {
			return "", err
		}
		line.SetXAxis(cats)
		for _, g := range groups {
			data := make([]opts.LineData, len(cats))
			for i, c := range cats {
				data[i] = opts.LineData{Value: round2(cells[g][c])}
			}
			line.AddSeries(g, data)
		}
		return renderHTML(line)
	}

	items, err := aggregateXY(t, spec.X, spec.Y, spec.Agg)
	if err != nil {
		return "", err
	}
	sortItems(items, true)
	cats := make([]string, len(items))
	data := make([]opts.LineData, len(items))
	for i, it := range items {
		cats[i] = it.Label
		data[i] = opts.LineData{Value: round2(it.Value)}
	}
	line.SetXAxis(cats).AddSeries(seriesName(spec), data)
	return renderHTML(line)
}

func renderBar(spec model.ChartSpec, t model.Table) (string, error) {
	if spec.Group != "" {
		return renderMultiBar(spec, t)
	}

	items, err := aggregateXY(t, spec.X, spec.Y, spec.Agg)
	if err != nil {
		return "", err
	}
	chrono := isChronoAxis(spec.X)
	sortItems(items, chrono)
	if !chrono {
		items = capCategories(items, spec.Agg, spec.Y == "")
	}

	cats := make([]string, len(items))
	data := make([]opts.BarData, len(items))
	for i, it := range items {
		cats[i] = it.Label
		data[i] = opts.BarData{Value: round2(it.Value)}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: chartTitle(spec)}),
	)
	bar.SetXAxis(cats).AddSeries(seriesName(spec), data)
	if spec.ChartType == model.ChartHorizontalBar || horizontalSwitch(cats) {
		bar.XYReversal()
	}
	return renderHTML(bar)
}

func renderMultiBar(spec model.ChartSpec, t model.Table) (string, error) {
	cats, groups, cells, err := pivot(t, spec.X, spec.Y, spec.Group, spec.Agg)
	if err != nil {
		return "", err
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: chartTitle(spec)}),
	)
	bar.SetXAxis(cats)
	for _, g := range groups {
		data := make([]opts.BarData, len(cats))
		for i, c := range cats {
			data[i] = opts.BarData{Value: round2(cells[g][c])}
		}
		if spec.ChartType == model.ChartStackedBar {
			bar.AddSeries(g, data, charts.WithBarChartOpts(opts.BarChart{Stack: "total"}))
		} else {
			bar.AddSeries(g, data)
		}
	}
	if horizontalSwitch(cats) {
		bar.XYReversal()
	}
	return renderHTML(bar)
}

func renderPie(spec model.ChartSpec, t model.Table) (string, error) {
	items, err := aggregateXY(t, spec.X, spec.Y, spec.Agg)
	if err != nil {
		return "", err
	}
	sortItems(items, false)
	items = capCategories(items, spec.Agg, spec.Y == "")

	data := make([]opts.PieData, len(items))
	for i, it := range items {
		data[i] = opts.PieData{Name: it.Label, Value: round2(it.Value)}
	}
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: chartTitle(spec)}),
	)
	pie.AddSeries(seriesName(spec), data)
	return renderHTML(pie)
}

func renderHist(spec model.ChartSpec, t model.Table) (string, error) {
	xcol, ok := t.HasColumn(spec.X)
	if !ok {
		return "", fmt.Errorf("viz: column %s not in result", spec.X)
	}
	var vals stats.Float64Data
	for _, v := range t.Column(xcol) {
		if fv, fok := model.Float64(v); fok {
			vals = append(vals, fv)
		}
	}
	if len(vals) == 0 {
		return "", fmt.Errorf("viz: no numeric values under %s", spec.X)
	}

	mn, _ := stats.Min(vals)
	mx, _ := stats.Max(vals)
	bins := histBins
	if d := t.DistinctCount(xcol); d < bins {
		bins = d
	}
	if bins < 1 {
		bins = 1
	}
	width := (mx - mn) / float64(bins)

	labels := make([]string, bins)
	counts := make([]float64, bins)
	for i := 0; i < bins; i++ {
		lo := mn + float64(i)*width
		labels[i] = fmt.Sprintf("%.1f-%.1f", lo, lo+width)
	}
	for _, v := range vals {
		i := bins - 1
		if width > 0 {
			i = int((v - mn) / width)
			if i >= bins {
				i = bins - 1
			}
		}
		counts[i]++
	}

	data := make([]opts.BarData, bins)
	for i, c := range counts {
		data[i] = opts.BarData{Value: c}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("distribution of %s", spec.X)}),
	)
	bar.SetXAxis(labels).AddSeries("count", data)
	return renderHTML(bar)
}

func renderScatter(spec model.ChartSpec, t model.Table) (string, error) {
	xcol, ok := t.HasColumn(spec.X)
	if !ok {
		return "", fmt.Errorf("viz: column %s not in result", spec.X)
	}
	ycol, ok := t.HasColumn(spec.Y)
	if !ok {
		return "", fmt.Errorf("viz: column %s not in result", spec.Y)
	}

	bySeries := map[string][]opts.ScatterData{}
	var order []string
	gcol := ""
	if spec.Group != "" {
		gcol, _ = t.HasColumn(spec.Group)
	}
	for _, row := range t.Rows {
		xv, xok := model.Float64(row[xcol])
		yv, yok := model.Float64(row[ycol])
		if !xok || !yok {
			continue
		}
		name := seriesName(spec)
		if gcol != "" && row[gcol] != nil {
			name = valueLabel(row[gcol])
		}
		if _, seen := bySeries[name]; !seen {
			order = append(order, name)
		}
		bySeries[name] = append(bySeries[name], opts.ScatterData{Value: []any{round2(xv), round2(yv)}})
	}
	if len(order) == 0 {
		return "", fmt.Errorf("viz: no numeric pairs for %s/%s", spec.X, spec.Y)
	}
	sort.Strings(order)
	if len(order) > maxSeries {
		order = order[:maxSeries]
	}

	sc := charts.NewScatter()
	sc.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("%s vs %s", spec.Y, spec.X)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: spec.X}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: spec.Y}),
	)
	for _, name := range order {
		sc.AddSeries(name, bySeries[name])
	}
	return renderHTML(sc)
}

func renderBox(spec model.ChartSpec, t model.Table) (string, error) {
	xcol, ok := t.HasColumn(spec.X)
	if !ok {
		return "", fmt.Errorf("viz: column %s not in result", spec.X)
	}
	ycol, ok := t.HasColumn(spec.Y)
	if !ok {
		return "", fmt.Errorf("viz: column %s not in result", spec.Y)
	}

	byLabel := map[string]stats.Float64Data{}
	for _, row := range t.Rows {
		if row[xcol] == nil {
			continue
		}
		if fv, fok := model.Float64(row[ycol]); fok {
			label := valueLabel(row[xcol])
			byLabel[label] = append(byLabel[label], fv)
		}
	}
	if len(byLabel) == 0 {
		return "", fmt.Errorf("viz: no numeric values under %s", spec.Y)
	}

	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labelLess(labels[i], labels[j]) })
	if len(labels) > maxCategories {
		labels = labels[:maxCategories]
	}

	data := make([]opts.BoxPlotData, len(labels))
	for i, l := range labels {
		data[i] = opts.BoxPlotData{Value: fiveNumber(byLabel[l])}
	}
	box := charts.NewBoxPlot()
	box.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: chartTitle(spec)}),
	)
	box.SetXAxis(labels).AddSeries(seriesName(spec), data)
	return renderHTML(box)
}

// fiveNumber is the [min, Q1, median, Q3, max] summary a box series
// wants. Quartiles of tiny samples come back NaN and collapse onto the
// median so the JSON stays numeric.
func fiveNumber(vals stats.Float64Data) []float64 {
	mn, _ := stats.Min(vals)
	mx, _ := stats.Max(vals)
	med, _ := stats.Median(vals)
	q1, q3 := med, med
	if q, err := stats.Quartile(vals); err == nil {
		if !math.IsNaN(q.Q1) {
			q1 = q.Q1
		}
		if !math.IsNaN(q.Q3) {
			q3 = q.Q3
		}
	}
	return []float64{round2(mn), round2(q1), round2(med), round2(q3), round2(mx)}
}

func renderPyramid(spec model.ChartSpec, t model.Table) (string, error) {
	items, err := aggregateXY(t, spec.X, spec.Y, spec.Agg)
	if err != nil {
		return "", err
	}
	sortItems(items, false)
	items = capCategories(items, spec.Agg, spec.Y == "")

	data := make([]opts.FunnelData, len(items))
	for i, it := range items {
		data[i] = opts.FunnelData{Name: it.Label, Value: round2(it.Value)}
	}
	fn := charts.NewFunnel()
	fn.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: chartTitle(spec)}),
	)
	fn.AddSeries(seriesName(spec), data)
	return renderHTML(fn)
}

func renderSunburst(spec model.ChartSpec, t model.Table) (string, error) {
	if spec.Group == "" {
		return renderPie(spec, t)
	}
	cats, groups, cells, err := pivot(t, spec.X, spec.Y, spec.Group, spec.Agg)
	if err != nil {
		return "", err
	}

	data := make([]opts.SunBurstData, 0, len(cats))
	for _, c := range cats {
		node := opts.SunBurstData{Name: c}
		for _, g := range groups {
			if v, seen := cells[g][c]; seen {
				node.Children = append(node.Children, &opts.SunBurstData{Name: g, Value: round2(v)})
			}
		}
		data = append(data, node)
	}
	sb := charts.NewSunburst()
	sb.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: chartTitle(spec)}),
	)
	sb.AddSeries(seriesName(spec), data)
	return renderHTML(sb)
}

func renderHTML(c renderer) (string, error) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		return "", fmt.Errorf("viz: render: %w", err)
	}
	return buf.String(), nil
}

// capCategories enforces the category cap. Counts and sums roll the
// overflow into the 기타 bucket; other aggregates just truncate. Items
// must arrive sorted by value descending.
func capCategories(items []labelValue, agg string, counting bool) []labelValue {
	if len(items) <= maxCategories {
		return items
	}
	if !counting && agg != "sum" && agg != "count" {
		return items[:maxCategories]
	}
	capped := append([]labelValue{}, items[:maxCategories-1]...)
	var rest float64
	for _, it := range items[maxCategories-1:] {
		rest += it.Value
	}
	return append(capped, labelValue{Label: overflowBucket, Value: rest})
}

func horizontalSwitch(labels []string) bool {
	if len(labels) > horizontalAtCount {
		return true
	}
	for _, l := range labels {
		if utf8.RuneCountInString(l) > horizontalAtRunes {
			return true
		}
	}
	return false
}

func sortItems(items []labelValue, chronological bool) {
	if chronological {
		sort.SliceStable(items, func(i, j int) bool { return labelLess(items[i].Label, items[j].Label) })
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Value != items[j].Value {
			return items[i].Value > items[j].Value
		}
		return items[i].Label < items[j].Label
	})
}

// labelLess orders numerically when both labels parse, else
// lexicographically. Zero-padded month labels sort either way.
func labelLess(a, b string) bool {
	fa, erra := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errb := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if erra == nil && errb == nil {
		return fa < fb
	}
	return a < b
}

func isChronoAxis(name string) bool {
	return hasTimeName(name) || IsElapsedName(name) || timeBinnedName(name)
}

func chartTitle(spec model.ChartSpec) string {
	if spec.Y == "" {
		return fmt.Sprintf("count by %s", spec.X)
	}
	return fmt.Sprintf("%s by %s", spec.Y, spec.X)
}

func seriesName(spec model.ChartSpec) string {
	if spec.Y == "" {
		return "count"
	}
	return spec.Y
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
