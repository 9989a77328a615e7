package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagvision/internal/db"
	"github.com/banshee-data/tagvision/internal/frame"
	"github.com/banshee-data/tagvision/internal/model"
	"github.com/banshee-data/tagvision/internal/monitoring"
	"github.com/banshee-data/tagvision/internal/pipeline"
	"github.com/banshee-data/tagvision/internal/serialmux"
	"github.com/banshee-data/tagvision/internal/timeutil"
	"github.com/banshee-data/tagvision/internal/wire"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestApplyCommand(t *testing.T) {
	pl := pipeline.New(pipeline.Config{Kind: model.KindMarkerPose}, pipeline.Deps{})

	applyCommand("exclude 4,7", pl)
	assert.Equal(t, []int{4, 7}, pl.FieldPoseExclude())

	applyCommand("include 4", pl)
	assert.Equal(t, []int{7}, pl.FieldPoseExclude())

	applyCommand("ping", pl)
	applyCommand("reboot now", pl)
	applyCommand("", pl)
	assert.Equal(t, []int{7}, pl.FieldPoseExclude())
}

func TestOutputEmit(t *testing.T) {
	link := serialmux.NewDisabledSerialMux()
	defer link.Close()

	results, err := db.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer results.Close()
	run, err := results.StartRun("test", model.KindMarkerDetect, "dev")
	require.NoError(t, err)

	out := &output{version: wire.CurrentVersion, link: link, db: results, run: run}
	r := model.Result{
		CaptureTimeMicros: 1234,
		Variant: model.MarkerDetect{Detections: []model.MarkerDetection{
			{ID: 5, DecisionMargin: 40},
		}},
	}
	out.emit(r)
	out.emit(r)

	assert.Equal(t, uint64(2), link.Stats().FramesSent)
	n, err := results.ResultCount(run)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := results.RecentResults(run, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	decoded, err := wire.Decode(rows[0].Packed)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), decoded.CaptureTimeMicros)
	assert.Equal(t, model.KindMarkerDetect, decoded.Kind())
}

func TestOutputEmit_BadVersion(t *testing.T) {
	link := serialmux.NewDisabledSerialMux()
	out := &output{version: 99, link: link}
	out.emit(model.Result{})
	assert.Zero(t, link.Stats().FramesSent)
}

func TestDebugMux(t *testing.T) {
	pl := pipeline.New(pipeline.Config{Kind: model.KindMarkerPose}, pipeline.Deps{})
	link := serialmux.NewDisabledSerialMux()
	sink := frame.NewSink(timeutil.NewMockClock(time.Unix(0, 0)))
	sink.SetFormat(frame.Format{Colorspace: frame.ColorspaceGray, Rows: 4, Cols: 6})

	mux := debugMux("front", pl, link, nil, sink, nil)

	for _, path := range []string{"/debug/pipeline/front", "/debug/link", "/debug/frames"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:4567"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/frames", nil)
	req.RemoteAddr = "127.0.0.1:4567"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `"rows":4`)
	assert.Contains(t, rec.Body.String(), `"cols":6`)
}
