// Package testmodel writes tiny, deterministic BERT artifacts (config.json,
// tokenizer.json, model.safetensors) for tests.
package testmodel

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/raaihank/embedlib/internal/weights"
)

// Options shape the generated model.
type Options struct {
	Hidden        int
	Layers        int
	Heads         int
	Intermediate  int
	MaxPositions  int
	TypeVocab     int
	ProjectionDim int
	HiddenAct     string
	Seed          int64
	Scale         float64 // standard deviation of random weights
	DType         string  // safetensors dtype, F32 when empty
	Prefix        string  // tensor name prefix such as "bert."
	// TokenizerMaxLength sets truncation.max_length in tokenizer.json; 0 leaves it null.
	TokenizerMaxLength int
}

// DefaultOptions returns a two-layer model with hidden size 16.
func DefaultOptions() Options {
	return Options{
		Hidden:       16,
		Layers:       2,
		Heads:        4,
		Intermediate: 32,
		MaxPositions: 32,
		TypeVocab:    2,
		HiddenAct:    "gelu",
		Seed:         1,
		Scale:        0.3,
	}
}

// Files are the paths of a written model.
type Files struct {
	Dir       string
	Config    string
	Tokenizer string
	Weights   string
}

// Vocab returns the fixture vocabulary in id order.
func Vocab() []string {
	vocab := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}
	vocab = append(vocab,
		"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dog",
		"hello", "world", "embedding", "model", "test", "text",
		"##ing", "##ed", ",", ".", "!", "?", "'",
	)
	for c := 'a'; c <= 'z'; c++ {
		vocab = append(vocab, string(c))
	}
	for c := 'a'; c <= 'z'; c++ {
		vocab = append(vocab, "##"+string(c))
	}
	for c := '0'; c <= '9'; c++ {
		vocab = append(vocab, string(c))
	}
	return vocab
}

// Write generates all three artifacts into dir.
func Write(dir string, opts Options) (Files, error) {
	files := Files{
		Dir:       dir,
		Config:    filepath.Join(dir, "config.json"),
		Tokenizer: filepath.Join(dir, "tokenizer.json"),
		Weights:   filepath.Join(dir, "model.safetensors"),
	}

	if err := writeJSON(files.Config, ConfigJSON(opts)); err != nil {
		return Files{}, err
	}
	if err := writeJSON(files.Tokenizer, TokenizerJSON(opts)); err != nil {
		return Files{}, err
	}
	if err := weights.WriteFile(files.Weights, Tensors(opts), map[string]string{"format": "pt"}); err != nil {
		return Files{}, fmt.Errorf("write weights: %w", err)
	}
	return files, nil
}

// ConfigJSON returns the config.json document for opts.
func ConfigJSON(opts Options) map[string]any {
	cfg := map[string]any{
		"architectures":           []string{"BertModel"},
		"model_type":              "bert",
		"vocab_size":              len(Vocab()),
		"hidden_size":             opts.Hidden,
		"num_hidden_layers":       opts.Layers,
		"num_attention_heads":     opts.Heads,
		"intermediate_size":       opts.Intermediate,
		"hidden_act":              opts.HiddenAct,
		"max_position_embeddings": opts.MaxPositions,
		"type_vocab_size":         opts.TypeVocab,
		"layer_norm_eps":          1e-12,
		"pad_token_id":            0,
		"position_embedding_type": "absolute",
	}
	if opts.ProjectionDim > 0 {
		cfg["projection_dim"] = opts.ProjectionDim
	}
	return cfg
}

// TokenizerJSON returns the tokenizer.json document for opts.
func TokenizerJSON(opts Options) map[string]any {
	vocab := Vocab()
	ids := make(map[string]int, len(vocab))
	for i, tok := range vocab {
		ids[tok] = i
	}

	added := make([]map[string]any, 0, 5)
	for i := 0; i < 5; i++ {
		added = append(added, map[string]any{
			"id": i, "content": vocab[i], "single_word": false, "lstrip": false,
			"rstrip": false, "normalized": false, "special": true,
		})
	}

	var truncation any
	if opts.TokenizerMaxLength > 0 {
		truncation = map[string]any{"direction": "Right", "max_length": opts.TokenizerMaxLength, "strategy": "LongestFirst", "stride": 0}
	}

	return map[string]any{
		"version":      "1.0",
		"truncation":   truncation,
		"padding":      nil,
		"added_tokens": added,
		"normalizer": map[string]any{
			"type": "BertNormalizer", "clean_text": true, "handle_chinese_chars": true,
			"strip_accents": nil, "lowercase": true,
		},
		"pre_tokenizer": map[string]any{"type": "BertPreTokenizer"},
		"post_processor": map[string]any{
			"type": "TemplateProcessing",
			"single": []any{
				map[string]any{"SpecialToken": map[string]any{"id": "[CLS]", "type_id": 0}},
				map[string]any{"Sequence": map[string]any{"id": "A", "type_id": 0}},
				map[string]any{"SpecialToken": map[string]any{"id": "[SEP]", "type_id": 0}},
			},
			"special_tokens": map[string]any{
				"[CLS]": map[string]any{"id": "[CLS]", "ids": []int{2}, "tokens": []string{"[CLS]"}},
				"[SEP]": map[string]any{"id": "[SEP]", "ids": []int{3}, "tokens": []string{"[SEP]"}},
			},
		},
		"decoder": map[string]any{"type": "WordPiece", "prefix": "##", "cleanup": true},
		"model": map[string]any{
			"type": "WordPiece", "unk_token": "[UNK]", "continuing_subword_prefix": "##",
			"max_input_chars_per_word": 100, "vocab": ids,
		},
	}
}

// Tensors returns the random weight set for opts in a stable order.
func Tensors(opts Options) []*weights.Tensor {
	rng := rand.New(rand.NewSource(opts.Seed))
	h, inter := opts.Hidden, opts.Intermediate

	var out []*weights.Tensor
	add := func(name string, shape []int, data []float32) {
		out = append(out, &weights.Tensor{Name: opts.Prefix + name, DType: opts.DType, Shape: shape, Data: data})
	}
	random := func(shape ...int) []float32 {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(rng.NormFloat64() * opts.Scale)
		}
		return data
	}
	norm := func(prefix string) {
		w := make([]float32, h)
		for i := range w {
			w[i] = 1 + float32(rng.NormFloat64()*0.05)
		}
		add(prefix+".weight", []int{h}, w)
		add(prefix+".bias", []int{h}, random(h))
	}
	linear := func(prefix string, outDim, inDim int) {
		add(prefix+".weight", []int{outDim, inDim}, random(outDim, inDim))
		add(prefix+".bias", []int{outDim}, random(outDim))
	}

	add("embeddings.word_embeddings.weight", []int{len(Vocab()), h}, random(len(Vocab()), h))
	add("embeddings.position_embeddings.weight", []int{opts.MaxPositions, h}, random(opts.MaxPositions, h))
	add("embeddings.token_type_embeddings.weight", []int{opts.TypeVocab, h}, random(opts.TypeVocab, h))
	norm("embeddings.LayerNorm")

	for i := 0; i < opts.Layers; i++ {
		p := fmt.Sprintf("encoder.layer.%d", i)
		linear(p+".attention.self.query", h, h)
		linear(p+".attention.self.key", h, h)
		linear(p+".attention.self.value", h, h)
		linear(p+".attention.output.dense", h, h)
		norm(p + ".attention.output.LayerNorm")
		linear(p+".intermediate.dense", inter, h)
		linear(p+".output.dense", h, inter)
		norm(p + ".output.LayerNorm")
	}

	add("pooler.dense.weight", []int{h, h}, random(h, h))
	add("pooler.dense.bias", []int{h}, random(h))

	if opts.ProjectionDim > 0 {
		linear("projection", opts.ProjectionDim, h)
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}
