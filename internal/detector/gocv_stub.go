//go:build !gocv
// +build !gocv

package detector

import "fmt"

// NewGoCVEngine is a stub implementation when OpenCV support is disabled.
// Build with -tags=gocv to enable the native engine.
func NewGoCVEngine() (Engine, error) {
	return nil, fmt.Errorf("OpenCV support not enabled: rebuild with -tags=gocv to enable marker detection")
}
