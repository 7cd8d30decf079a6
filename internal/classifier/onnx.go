package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Metadata describes an exported ONNX model.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Layout      string   `json:"layout"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
}

func (m *Metadata) applyDefaults(labels []string) {
	if m.ImageSize <= 0 {
		m.ImageSize = 224
	}
	if m.Layout == "" {
		m.Layout = LayoutNHWC
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.Classes) == 0 {
		m.Classes = labels
	}
	if len(m.InputShape) == 0 {
		size := int64(m.ImageSize)
		if m.Layout == LayoutNCHW {
			m.InputShape = []int64{1, 3, size, size}
		} else {
			m.InputShape = []int64{1, size, size, 3}
		}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

// LoadMetadata reads model metadata from a JSON file. A missing file yields
// defaults derived from labels.
func LoadMetadata(path string, labels []string) (*Metadata, error) {
	var meta Metadata
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	meta.applyDefaults(labels)

	if len(meta.Classes) != len(labels) {
		return nil, fmt.Errorf("model has %d classes, %d labels configured", len(meta.Classes), len(labels))
	}
	for i := range labels {
		if meta.Classes[i] != labels[i] {
			return nil, fmt.Errorf("model class %d is %q, configured label is %q", i, meta.Classes[i], labels[i])
		}
	}

	outputs := int64(1)
	for _, dim := range meta.OutputShape {
		outputs *= dim
	}
	if outputs != int64(len(meta.Classes)) {
		return nil, fmt.Errorf("output shape %v yields %d scores for %d classes", meta.OutputShape, outputs, len(meta.Classes))
	}
	return &meta, nil
}

// ONNXClassifier runs a local ONNX model. The session is bound to a single
// input and output tensor, so Classify calls are serialised.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	Metadata     Metadata
	logger       *zap.Logger
}

// NewONNXClassifier initialises the ONNX runtime and loads the model.
// libraryPath may be empty to use the runtime's default lookup.
func NewONNXClassifier(modelPath, metadataPath, libraryPath string, labels []string, logger *zap.Logger) (*ONNXClassifier, error) {
	meta, err := LoadMetadata(metadataPath, labels)
	if err != nil {
		return nil, err
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("onnx model loaded",
		zap.String("model", modelPath),
		zap.Int64s("input_shape", meta.InputShape),
		zap.Strings("classes", meta.Classes))

	return &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		Metadata:     *meta,
		logger:       logger.Named("onnx_classifier"),
	}, nil
}

// Classify decodes, preprocesses and scores one image.
func (c *ONNXClassifier) Classify(ctx context.Context, data []byte) (*Result, error) {
	img, format, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	input := Preprocess(img, c.Metadata.ImageSize, c.Metadata.Layout)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Waiting for the session may outlast the caller.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := c.inputTensor.GetData()
	if len(dst) != len(input) {
		return nil, Inferencef("model expects %d input values, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := c.session.Run(); err != nil {
		return nil, Inferencef("run session: %v", err)
	}

	res, err := TopClass(c.outputTensor.GetData(), c.Metadata.Classes)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("image classified",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
		zap.String("label", res.Label),
		zap.Float64("confidence", res.Confidence))
	return res, nil
}

// Close releases the session, its tensors and the runtime environment.
func (c *ONNXClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	ort.DestroyEnvironment()
}
