//go:build !gocv

package cvnn

import "github.com/cyclopcam/pipecount/pkg/nn"

func NewDetector(config *nn.ModelConfig, modelFile string) (nn.ObjectDetector, error) {
	return nil, ErrNotCompiled
}
