// Package cvnn runs a YOLOv8 ONNX model locally, through OpenCV's DNN module.
// It is only compiled with the 'gocv' build tag, because it needs OpenCV installed.
package cvnn

import "errors"

// ErrNotCompiled is returned by NewDetector when the binary was built without the gocv tag
var ErrNotCompiled = errors.New("OpenCV support was not compiled in (build with -tags gocv)")
