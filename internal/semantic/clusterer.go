package semantic

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// ClusterInput is one liked-post vector with its interaction weight.
type ClusterInput struct {
	Vector          []float32 `json:"vector"`
	Weight          float64   `json:"weight,omitempty"`
	InteractionType string    `json:"interactionType,omitempty"`
}

// Centroid is one interest cluster of a user's liked-post embeddings.
type Centroid struct {
	ClusterID int       `json:"clusterId"`
	Centroid  []float32 `json:"centroid"`
	Weight    float64   `json:"weight"`
	PostCount int       `json:"postCount"`
}

// Clusterer groups liked-post vectors into 1-5 interest centroids.
type Clusterer interface {
	Cluster(ctx context.Context, inputs []ClusterInput) ([]Centroid, error)
}

// CLIClusterer shells out to the external density-clustering tool:
// cluster <input.json> <output.json>.
type CLIClusterer struct {
	Command string
}

// Cluster runs the tool and L2-normalizes the returned centroids (the tool
// already normalizes; this guards against a misbehaving build).
func (c *CLIClusterer) Cluster(ctx context.Context, inputs []ClusterInput) ([]Centroid, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	dir, err := os.MkdirTemp("", "feedgen-cluster-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input.json")
	outputPath := filepath.Join(dir, "output.json")

	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal cluster input: %w", err)
	}
	if err := os.WriteFile(inputPath, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write cluster input: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command, inputPath, outputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run clusterer: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read cluster output: %w", err)
	}
	var centroids []Centroid
	if err := json.Unmarshal(raw, &centroids); err != nil {
		return nil, fmt.Errorf("unmarshal cluster output: %w", err)
	}

	for i := range centroids {
		normalize(centroids[i].Centroid)
	}
	return centroids, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
