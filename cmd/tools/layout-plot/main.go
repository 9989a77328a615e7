// Command layout-plot draws a field layout top-down, with each marker's
// facing direction, and optionally the field poses recorded for a run.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/tagvision/internal/db"
	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/fsutil"
)

var (
	layoutPath = flag.String("layout", "", "Field layout JSON")
	outPath    = flag.String("out", "layout.png", "Output image (.png, .svg or .pdf)")
	dbPath     = flag.String("db", "", "Results database to overlay field poses from")
	runID      = flag.String("run", "", "Run id to overlay (with -db)")
	limit      = flag.Int("limit", 2000, "Maximum poses to overlay")
)

// arrowLength is the drawn length of a marker's facing direction in metres.
const arrowLength = 0.4

func main() {
	flag.Parse()
	if *layoutPath == "" {
		log.Fatal("-layout is required")
	}
	layout, err := fieldlayout.LoadFile(fsutil.OSFileSystem{}, *layoutPath)
	if err != nil {
		log.Fatalf("Failed to load layout: %v", err)
	}

	var track plotter.XYs
	if *dbPath != "" {
		if track, err = loadTrack(*dbPath, *runID, *limit); err != nil {
			log.Fatalf("Failed to load poses: %v", err)
		}
	}

	p, err := render(layout, track)
	if err != nil {
		log.Fatalf("Failed to build plot: %v", err)
	}
	w, h := plotSize(layout)
	if err := p.Save(w, h, *outPath); err != nil {
		log.Fatalf("Failed to save %s: %v", *outPath, err)
	}
	log.Printf("Wrote %s (%d markers, %d poses)", *outPath, layout.Len(), len(track))
}

func loadTrack(path, run string, limit int) (plotter.XYs, error) {
	id, err := uuid.Parse(run)
	if err != nil {
		return nil, fmt.Errorf("invalid -run %q: %w", run, err)
	}
	results, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	defer results.Close()

	rows, err := results.RecentResults(db.Run{ID: id}, limit)
	if err != nil {
		return nil, err
	}
	track := make(plotter.XYs, 0, len(rows))
	// Rows come newest first.
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if !r.FieldX.Valid || !r.FieldY.Valid {
			continue
		}
		track = append(track, plotter.XY{X: r.FieldX.Float64, Y: r.FieldY.Float64})
	}
	return track, nil
}

// plotSize keeps the field's aspect ratio at a fixed width.
func plotSize(layout *fieldlayout.Layout) (vg.Length, vg.Length) {
	w := 12 * vg.Inch
	if layout.FieldLength() <= 0 || layout.FieldWidth() <= 0 {
		return w, w / 2
	}
	return w, w * vg.Length(layout.FieldWidth()/layout.FieldLength())
}

func render(layout *fieldlayout.Layout, track plotter.XYs) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s layout, %d markers", layout.Family(), layout.Len())
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	if l, wd := layout.FieldLength(), layout.FieldWidth(); l > 0 && wd > 0 {
		border, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: l, Y: 0}, {X: l, Y: wd}, {X: 0, Y: wd}, {X: 0, Y: 0}})
		if err != nil {
			return nil, err
		}
		border.Color = color.Gray{Y: 100}
		border.Width = vg.Points(1.5)
		p.Add(border)
		p.X.Min, p.X.Max = -0.5, l+0.5
		p.Y.Min, p.Y.Max = -0.5, wd+0.5
	}

	if len(track) > 0 {
		line, err := plotter.NewLine(track)
		if err != nil {
			return nil, err
		}
		line.Color = color.RGBA{R: 30, G: 120, B: 220, A: 255}
		line.Width = vg.Points(0.75)
		p.Add(line)
		p.Legend.Add("field pose", line)
	}

	ids := layout.IDs()
	pts := make(plotter.XYs, 0, len(ids))
	labels := make([]string, 0, len(ids))
	for _, id := range ids {
		m, _ := layout.Get(id)
		t := m.Pose.Translation
		pts = append(pts, plotter.XY{X: t.X, Y: t.Y})
		labels = append(labels, fmt.Sprintf("%d", id))

		// Markers face along their local +X.
		n := m.Pose.Rotation.Rotate(r3.Vec{X: 1})
		facing, err := plotter.NewLine(plotter.XYs{
			{X: t.X, Y: t.Y},
			{X: t.X + arrowLength*n.X, Y: t.Y + arrowLength*n.Y},
		})
		if err != nil {
			return nil, err
		}
		facing.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
		facing.Width = vg.Points(1)
		p.Add(facing)
	}
	if len(pts) > 0 {
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		scatter.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
		scatter.Radius = vg.Points(3)
		p.Add(scatter)
		p.Legend.Add("marker", scatter)

		names, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
		if err != nil {
			return nil, err
		}
		p.Add(names)
	}
	return p, nil
}
