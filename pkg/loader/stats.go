package loader

import (
	"gonum.org/v1/gonum/stat"

	"zprojector/internal/models"
)

// ChannelStats summarizes the samples of one channel.
type ChannelStats struct {
	Channel int     `json:"channel"`
	Min     uint8   `json:"min"`
	Max     uint8   `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
	Median  float64 `json:"median"`
}

// Summarize computes per-channel statistics from a 256-bin histogram, so the
// cost in memory is constant regardless of volume size.
func Summarize(vol *models.Volume) []ChannelStats {
	levels := make([]float64, 256)
	for i := range levels {
		levels[i] = float64(i)
	}

	s := vol.Shape
	out := make([]ChannelStats, s.Channels)
	for c := 0; c < s.Channels; c++ {
		hist := make([]float64, 256)
		for z := 0; z < s.Depth; z++ {
			for _, v := range vol.Plane(c, z) {
				hist[v]++
			}
		}

		cs := ChannelStats{Channel: c}
		cs.Min, cs.Max = histogramBounds(hist)
		cs.Mean, cs.StdDev = stat.MeanStdDev(levels, hist)
		if s.Depth*s.Height*s.Width < 2 {
			cs.StdDev = 0
		}
		cs.Median = stat.Quantile(0.5, stat.Empirical, levels, hist)
		out[c] = cs
	}
	return out
}

func histogramBounds(hist []float64) (lo, hi uint8) {
	for i, n := range hist {
		if n > 0 {
			lo = uint8(i)
			break
		}
	}
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i] > 0 {
			hi = uint8(i)
			break
		}
	}
	return lo, hi
}
