package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot/plotter"

	"github.com/banshee-data/tagvision/internal/db"
	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/fsutil"
	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

func loadFieldLayout(t *testing.T) *fieldlayout.Layout {
	t.Helper()
	layout, err := fieldlayout.LoadFile(fsutil.OSFileSystem{}, "../../../configs/field-2024.json")
	require.NoError(t, err)
	return layout
}

func TestRender(t *testing.T) {
	layout := loadFieldLayout(t)
	track := plotter.XYs{{X: 2, Y: 2}, {X: 3, Y: 2.5}, {X: 4, Y: 3}}

	p, err := render(layout, track)
	require.NoError(t, err)
	assert.Contains(t, p.Title.Text, "10 markers")
	assert.Equal(t, -0.5, p.X.Min)
	assert.InDelta(t, layout.FieldLength()+0.5, p.X.Max, 1e-9)

	out := filepath.Join(t.TempDir(), "layout.png")
	w, h := plotSize(layout)
	assert.Less(t, float64(h), float64(w))
	require.NoError(t, p.Save(w, h, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))
}

func TestLoadTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	results, err := db.Open(path)
	require.NoError(t, err)
	run, err := results.StartRun("front", model.KindMarkerPose, "dev")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		pose := geom.NewPose3(r3.Vec{X: float64(i), Y: 1, Z: 0.5}, geom.RotationFromEuler(0, 0, 0))
		r := model.Result{
			CaptureTimeMicros: uint64(100 + i),
			Variant: model.MarkerPose{FieldPose: &model.FieldPoseObservation{
				TagsUsed: []int{1, 2}, FieldPose0: pose, Error0: 0.1,
			}},
		}
		require.NoError(t, results.RecordResult(run, r, []byte{byte(i)}))
	}
	require.NoError(t, results.RecordResult(run, model.Result{CaptureTimeMicros: 200}, []byte{0xff}))
	require.NoError(t, results.Close())

	track, err := loadTrack(path, run.ID.String(), 10)
	require.NoError(t, err)
	assert.Equal(t, plotter.XYs{{X: 0, Y: 1}, {X: 1, Y: 1}, {X: 2, Y: 1}}, track)

	_, err = loadTrack(path, "not-a-uuid", 10)
	assert.Error(t, err)
}
