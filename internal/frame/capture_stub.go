//go:build !gocv
// +build !gocv

package frame

import (
	"context"
	"errors"
)

// Capture is unavailable without OpenCV; build with -tags=gocv.
func Capture(ctx context.Context, source string, sink *Sink) error {
	return errors.New("frame capture requires building with -tags=gocv")
}
