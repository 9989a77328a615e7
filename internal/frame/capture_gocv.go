//go:build gocv
// +build gocv

package frame

import (
	"context"
	"fmt"
	"strconv"

	"gocv.io/x/gocv"

	"github.com/banshee-data/tagvision/internal/monitoring"
)

// Capture reads frames from an OpenCV video source and publishes them to
// sink until ctx is cancelled or the source runs dry. source is a device
// index ("0") or a file or stream URL.
func Capture(ctx context.Context, source string, sink *Sink) error {
	var device interface{} = source
	if idx, err := strconv.Atoi(source); err == nil {
		device = idx
	}
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("open capture %q: %w", source, err)
	}
	defer vc.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	var misses int
	for ctx.Err() == nil {
		if !vc.Read(&mat) || mat.Empty() {
			misses++
			if misses > 30 {
				return fmt.Errorf("capture %q: no frames", source)
			}
			continue
		}
		misses = 0

		cs := ColorspaceBGR
		if mat.Channels() == 1 {
			cs = ColorspaceGray
		}
		format := Format{Colorspace: cs, Rows: mat.Rows(), Cols: mat.Cols()}
		if format != sink.Format() {
			monitoring.Logf("capture %q: format %v", source, format)
			sink.SetFormat(format)
		}
		sink.Publish(&Frame{Format: format, Data: mat.ToBytes()})
	}
	return ctx.Err()
}
