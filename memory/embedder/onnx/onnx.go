//go:build onnx

// Package onnx embeds text locally with an all-MiniLM-L6-v2 ONNX model.
// Build with -tags onnx and an onnxruntime shared library on the machine.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/memory"
)

const maxSequenceLen = 128

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// LibraryPath is the onnxruntime shared library location.
	LibraryPath string

	// Dimensions is the embedding size. Default: 384 (all-MiniLM-L6-v2).
	Dimensions int
}

// Embedder runs sentence-transformer inference through onnxruntime.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *wordPieceTokenizer
	dimensions int
}

// New loads the model and tokenizer. Failures here mean local embedding is
// not possible at all; per-call failures later surface as
// memory.ErrEmbeddingUnavailable.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx embedder: ModelPath and TokenizerPath are required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	tokenizer, err := loadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Embedder{session: session, tokenizer: tokenizer, dimensions: cfg.Dimensions}, nil
}

// Embed tokenizes, runs inference, mean-pools over attended tokens, and
// normalizes to a unit vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	inputIDs, attentionMask := e.tokenizer.encode(text, maxSequenceLen)
	tokenTypeIDs := make([]int64, maxSequenceLen)

	shape := ort.NewShape(1, maxSequenceLen)
	tensors := make([]ort.Value, 0, 3)
	for _, data := range [][]int64{inputIDs, attentionMask, tokenTypeIDs} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			for _, created := range tensors {
				created.Destroy()
			}
			return nil, fmt.Errorf("%w: create tensor: %v", memory.ErrEmbeddingUnavailable, err)
		}
		tensors = append(tensors, t)
	}
	defer func() {
		for _, t := range tensors {
			t.Destroy()
		}
	}()

	outputs := []ort.Value{nil}
	if err := e.session.Run(tensors, outputs); err != nil {
		return nil, fmt.Errorf("%w: onnx inference: %v", memory.ErrEmbeddingUnavailable, err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: unexpected output tensor type", memory.ErrEmbeddingUnavailable)
	}
	return e.pool(out.GetData(), out.GetShape(), attentionMask)
}

// pool reduces [1, seq, hidden] hidden states to one vector by mean pooling
// over attended positions. A [1, hidden] output is taken as-is.
func (e *Embedder) pool(data []float32, shape []int64, attentionMask []int64) ([]float32, error) {
	embedding := make([]float32, e.dimensions)

	switch len(shape) {
	case 2:
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("%w: output dimension %d < %d", memory.ErrEmbeddingUnavailable, len(data), e.dimensions)
		}
		copy(embedding, data[:e.dimensions])
	case 3:
		seqLen, hidden := int(shape[1]), int(shape[2])
		if hidden != e.dimensions {
			return nil, fmt.Errorf("%w: hidden size %d != %d", memory.ErrEmbeddingUnavailable, hidden, e.dimensions)
		}
		var attended float32
		for i := 0; i < seqLen; i++ {
			if attentionMask[i] == 0 {
				continue
			}
			attended++
			for j := 0; j < hidden; j++ {
				embedding[j] += data[i*hidden+j]
			}
		}
		if attended == 0 {
			return nil, fmt.Errorf("%w: no attended tokens", memory.ErrEmbeddingUnavailable)
		}
		for j := range embedding {
			embedding[j] /= attended
		}
	default:
		return nil, fmt.Errorf("%w: unexpected output shape %v", memory.ErrEmbeddingUnavailable, shape)
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the ONNX session.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}

// wordPieceTokenizer is a minimal BERT WordPiece tokenizer, enough for
// MiniLM-style sentence models.
type wordPieceTokenizer struct {
	vocab map[string]int
	cls   int64
	sep   int64
	unk   int64
}

func loadTokenizer(path string) (*wordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return &wordPieceTokenizer{
		vocab: parsed.Model.Vocab,
		cls:   101,
		sep:   102,
		unk:   100,
	}, nil
}

// encode produces fixed-length input_ids and attention_mask, with [CLS] and
// [SEP] framing and truncation to maxLen.
func (t *wordPieceTokenizer) encode(text string, maxLen int) (inputIDs, attentionMask []int64) {
	tokens := t.tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	inputIDs = make([]int64, maxLen)
	attentionMask = make([]int64, maxLen)
	inputIDs[0] = t.cls
	attentionMask[0] = 1
	for i, id := range tokens {
		inputIDs[i+1] = id
		attentionMask[i+1] = 1
	}
	inputIDs[len(tokens)+1] = t.sep
	attentionMask[len(tokens)+1] = 1
	return inputIDs, attentionMask
}

func (t *wordPieceTokenizer) tokenize(text string) []int64 {
	var ids []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		ids = append(ids, t.subwords(word)...)
	}
	return ids
}

// subwords performs greedy longest-prefix WordPiece splitting, falling back
// to [UNK] per character when nothing matches.
func (t *wordPieceTokenizer) subwords(word string) []int64 {
	var ids []int64
	start := 0
	for start < len(word) {
		matched := false
		for end := len(word); end > start; end-- {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, int64(id))
				start = end
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, t.unk)
			start++
		}
	}
	return ids
}
