// Package embedding turns memory text into vectors for the optional
// semantic-search layer. The default provider is a deterministic hash
// projection: stable across runs, fully offline, good enough to
// exercise the vector plumbing without a model dependency.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"bartholomew/internal/logging"
)

// Config identifies a provider and its output shape.
type Config struct {
	Provider string
	Model    string
	Dim      int
}

// DefaultConfig is the offline hash provider at the vec0 shadow-table
// dimension.
func DefaultConfig() Config {
	return Config{Provider: "local-hash", Model: "deterministic-sha256", Dim: 384}
}

// Engine produces embeddings.
type Engine interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Config() Config
}

// NewEngine builds the engine for a config. The hash provider is the
// offline default; "ollama" reaches a local Ollama server, with the
// endpoint taken from OLLAMA_HOST when set. Unknown providers are an
// error rather than a silent fallback.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be positive, got %d", cfg.Dim)
	}
	switch cfg.Provider {
	case "", "local-hash":
		cfg.Provider = "local-hash"
		if cfg.Model == "" {
			cfg.Model = "deterministic-sha256"
		}
		return &hashEngine{cfg: cfg}, nil
	case "ollama":
		return newOllamaEngine(cfg, os.Getenv("OLLAMA_HOST")), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// hashEngine derives each dimension from sha256("{text}:{i}"): the
// first 4 bytes as a signed big-endian int scaled to [-1, 1], then the
// whole vector L2-normalized.
type hashEngine struct {
	cfg Config
}

func (e *hashEngine) Config() Config {
	return e.cfg
}

func (e *hashEngine) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	logging.EmbeddingDebug("Embedded %d texts dim=%d", len(texts), e.cfg.Dim)
	return out, nil
}

func (e *hashEngine) embedOne(text string) []float32 {
	vec := make([]float32, e.cfg.Dim)
	var norm float64
	for i := range vec {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", text, i)))
		raw := int32(binary.BigEndian.Uint32(sum[:4]))
		v := float64(raw) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
