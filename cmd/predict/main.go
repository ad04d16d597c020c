package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/pkg/annotate"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/pkg/nnload"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("predict", "Count pipes in an image file")
	input := parser.String("i", "input", &argparse.Options{Help: "Input image file", Required: true})
	output := parser.File("o", "output", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664, &argparse.Options{Help: "Output label file (JSON)", Required: true})
	annotated := parser.String("a", "annotated", &argparse.Options{Help: "Write the annotated image to this PNG file", Default: ""})
	minSize := parser.Int("m", "minsize", &argparse.Options{Help: "Minimum size of object, in pixels", Default: 0})
	rows := parser.Int("r", "rows", &argparse.Options{Help: "Tile grid rows", Default: nn.DefaultRows})
	cols := parser.Int("", "cols", &argparse.Options{Help: "Tile grid columns", Default: nn.DefaultCols})
	auto := parser.Flag("", "auto", &argparse.Options{Help: "Use model-sized overlapping tiles instead of a grid", Default: false})
	conf := parser.Float("", "conf", &argparse.Options{Help: "Confidence threshold", Default: float64(nn.DefaultProbabilityThreshold)})
	mergeIou := parser.Float("", "mergeiou", &argparse.Options{Help: "IOU above which detections from different tiles are merged", Default: float64(nn.DefaultMergeIouThreshold)})
	backend := parser.Selector("b", "backend", []string{nnload.BackendRemote, nnload.BackendONNX}, &argparse.Options{Help: "Detector backend", Default: nnload.BackendRemote})
	inferenceURL := parser.String("u", "url", &argparse.Options{Help: "Inference service URL (remote backend)", Default: "http://localhost:8000"})
	modelDir := parser.String("", "modeldir", &argparse.Options{Help: "Model directory (onnx backend)", Default: "models"})
	modelName := parser.String("n", "model", &argparse.Options{Help: "Model name (onnx backend)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	model, err := nnload.LoadModel(logger, &nnload.ModelConfig{
		Backend:      *backend,
		InferenceURL: *inferenceURL,
		ModelDir:     *modelDir,
		ModelName:    *modelName,
	})
	check(err)
	defer model.Close()

	params := nn.NewTiledParams()
	params.Rows = *rows
	params.Cols = *cols
	params.Auto = *auto
	params.Detection.ProbabilityThreshold = float32(*conf)
	params.MergeIouThreshold = float32(*mergeIou)

	options := nn.InferenceOptions{
		MinSize:        *minSize,
		StdOutProgress: true,
	}

	img, labels, err := nn.RunInferenceOnImageFile(context.Background(), model, *input, params, options)
	check(err)

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(labels))

	if *annotated != "" {
		png, err := annotate.RenderPNG(img, labels.Objects, annotate.DefaultStyle())
		check(err)
		check(os.WriteFile(*annotated, png, 0644))
	}
	fmt.Printf("%v pipes\n", labels.Count)
}
