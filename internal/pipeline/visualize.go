package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"

	"github.com/bdougie/visionbatch/internal/errkind"
)

const heatmapCell = 8

// Heatmap renders scores on a square grid, row-major, coloured from blue (the
// minimum) to red (the maximum). Cells past the end of scores are black.
func Heatmap(scores []float64) *image.NRGBA {
	side := int(math.Ceil(math.Sqrt(float64(len(scores)))))
	if side == 0 {
		side = 1
	}
	grid := image.NewNRGBA(image.Rect(0, 0, side, side))
	grid.Set(0, 0, color.Black)
	if len(scores) == 0 {
		return imaging.Resize(grid, heatmapCell, heatmapCell, imaging.NearestNeighbor)
	}

	lo, hi := floats.Min(scores), floats.Max(scores)
	for i, s := range scores {
		v := 0.0
		if hi > lo {
			v = (s - lo) / (hi - lo)
		}
		grid.SetNRGBA(i%side, i/side, ramp(v))
	}
	for i := len(scores); i < side*side; i++ {
		grid.SetNRGBA(i%side, i/side, color.NRGBA{A: 255})
	}
	return imaging.Resize(grid, side*heatmapCell, side*heatmapCell, imaging.NearestNeighbor)
}

// ramp maps [0,1] through blue, green and red.
func ramp(v float64) color.NRGBA {
	v = math.Max(0, math.Min(1, v))
	var r, g, b float64
	if v < 0.5 {
		g = v * 2
		b = 1 - g
	} else {
		r = (v - 0.5) * 2
		g = 1 - r
	}
	return color.NRGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 255}
}

// WriteHeatmap saves the heatmap for one model output under
// dir/<runID>/ and returns the file path.
func WriteHeatmap(dir, runID, key, model, output string, scores []float64) (string, error) {
	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", errkind.Wrap(errkind.ItemIO, "create output directory", err)
	}
	base := strings.TrimSuffix(path.Base(key), path.Ext(key))
	name := fmt.Sprintf("%s_%s_%s.png", sanitize(base), sanitize(model), sanitize(output))
	file := filepath.Join(runDir, name)
	if err := imaging.Save(Heatmap(scores), file); err != nil {
		return "", errkind.Wrap(errkind.ItemIO, "write heatmap", err)
	}
	return file, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
