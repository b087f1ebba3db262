package semantic

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Mattis142/feed-generator/internal/vectorindex"
)

// embedBatchSize is passed to the embedder CLI; it batches model forward
// passes internally.
const embedBatchSize = 32

// EmbedInput is one text (+ optional images) to embed.
type EmbedInput struct {
	URI       string   `json:"uri"`
	Text      string   `json:"text"`
	ImageURLs []string `json:"image_urls"`
	AltTexts  []string `json:"alt_text"`
}

// EmbedOutput is one embedded item.
type EmbedOutput struct {
	URI    string    `json:"uri"`
	Vector []float32 `json:"vector"`
}

// Embedder turns post texts and image URLs into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []EmbedInput) ([]EmbedOutput, error)
}

// CLIEmbedder shells out to the external embedding tool:
// embed <input.json> <output.json> --model-path <path> --batch-size 32.
type CLIEmbedder struct {
	Command   string
	ModelPath string
}

// Embed runs the tool and returns the valid vectors. Items the model could
// not embed (zero vectors, wrong dimension) are dropped.
func (e *CLIEmbedder) Embed(ctx context.Context, inputs []EmbedInput) ([]EmbedOutput, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	dir, err := os.MkdirTemp("", "feedgen-embed-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input.json")
	outputPath := filepath.Join(dir, "output.json")

	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal embed input: %w", err)
	}
	if err := os.WriteFile(inputPath, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write embed input: %w", err)
	}

	args := []string{inputPath, outputPath, "--batch-size", fmt.Sprint(embedBatchSize)}
	if e.ModelPath != "" {
		args = append(args, "--model-path", e.ModelPath)
	}
	cmd := exec.CommandContext(ctx, e.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run embedder: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read embed output: %w", err)
	}
	var outputs []EmbedOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, fmt.Errorf("unmarshal embed output: %w", err)
	}

	valid := outputs[:0]
	for _, out := range outputs {
		if len(out.Vector) != vectorindex.VectorDim || isZeroVector(out.Vector) {
			continue
		}
		valid = append(valid, out)
	}
	return valid, nil
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
