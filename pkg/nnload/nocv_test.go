//go:build !gocv

package nnload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/pkg/cvnn"
	"github.com/stretchr/testify/require"
)

func TestLoadONNXWithoutOpenCV(t *testing.T) {
	log := logs.NewTestingLog(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipes.onnx"), []byte("weights"), 0644))
	_, err := LoadModel(log, &ModelConfig{Backend: BackendONNX, ModelDir: dir, ModelName: "pipes"})
	require.ErrorIs(t, err, cvnn.ErrNotCompiled)
}
