package handlers

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/taskord/daemon/internal/jobstore"
)

// RenderStatsChart renders a per-state bar chart of queue-depth counts for
// operator dashboards (spec §4.J's stats method, format=png variant).
// Grounded on the teacher's RenderGrowthChart — same library, same
// render-to-PNG-bytes shape, generalized from a time series to a bar chart
// of job counts per state.
func RenderStatsChart(stats *StatsResponse) ([]byte, error) {
	totals := make(map[jobstore.State]int64)
	for _, byState := range stats.ByQueueState {
		for state, count := range byState {
			totals[state] += count
		}
	}

	states := make([]jobstore.State, 0, len(totals))
	for state := range totals {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	if len(states) == 0 {
		return nil, fmt.Errorf("no job state data to chart")
	}

	bars := make([]chart.Value, 0, len(states))
	for _, state := range states {
		bars = append(bars, chart.Value{
			Label: string(state),
			Value: float64(totals[state]),
			Style: chart.Style{
				FillColor:   barColor(state),
				StrokeColor: barColor(state),
			},
		})
	}

	graph := chart.BarChart{
		Title:  "Jobs by state",
		Width:  720,
		Height: 360,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 20},
		},
		Bars: bars,
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("chart render failed: %w", err)
	}
	return buf.Bytes(), nil
}

func barColor(state jobstore.State) drawing.Color {
	switch state {
	case jobstore.StateDone:
		return drawing.ColorFromHex("16a34a") // green-600
	case jobstore.StateFailed:
		return drawing.ColorFromHex("dc2626") // red-600
	case jobstore.StateRunning:
		return drawing.ColorFromHex("2563eb") // blue-600
	case jobstore.StateCancelled:
		return drawing.ColorFromHex("6b7280") // gray-500
	default:
		return drawing.ColorFromHex("f59e0b") // amber-500
	}
}
