package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/raaihank/embedlib/internal/apperr"
)

const testTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "special": true},
    {"id": 1, "content": "[UNK]", "special": true},
    {"id": 2, "content": "[CLS]", "special": true},
    {"id": 3, "content": "[SEP]", "special": true},
    {"id": 4, "content": "[MASK]", "special": true}
  ],
  "normalizer": {
    "type": "BertNormalizer",
    "clean_text": true,
    "handle_chinese_chars": true,
    "strip_accents": null,
    "lowercase": true
  },
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "post_processor": {
    "type": "TemplateProcessing",
    "single": [
      {"SpecialToken": {"id": "[CLS]", "type_id": 0}},
      {"Sequence": {"id": "A", "type_id": 0}},
      {"SpecialToken": {"id": "[SEP]", "type_id": 0}}
    ],
    "special_tokens": {
      "[CLS]": {"id": "[CLS]", "ids": [2], "tokens": ["[CLS]"]},
      "[SEP]": {"id": "[SEP]", "ids": [3], "tokens": ["[SEP]"]}
    }
  },
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "max_input_chars_per_word": 100,
    "vocab": {
      "[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "[MASK]": 4,
      "hello": 5, "world": 6, ",": 7, "!": 8, "un": 9, "##aff": 10,
      "##able": 11, "cafe": 12, "中": 13, "##s": 14, "run": 15, ".": 16
    }
  }
}`

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := LoadFromBytes([]byte(testTokenizerJSON))
	if err != nil {
		t.Fatalf("Failed to load tokenizer: %v", err)
	}
	return tok
}

func TestEncode(t *testing.T) {
	tok := newTestTokenizer(t)

	tests := []struct {
		name string
		text string
		want []int32
	}{
		{"empty", "", []int32{2, 3}},
		{"punctuation", "Hello, World!", []int32{2, 5, 7, 6, 8, 3}},
		{"subwords", "unaffable", []int32{2, 9, 10, 11, 3}},
		{"suffix", "runs", []int32{2, 15, 14, 3}},
		{"accents", "Café", []int32{2, 12, 3}},
		{"unknown word", "xyz", []int32{2, 1, 3}},
		{"partial match is unknown", "unaffxyz", []int32{2, 1, 3}},
		{"cjk", "中中", []int32{2, 13, 13, 3}},
		{"control characters", "hello\x00 world\u200b", []int32{2, 5, 6, 3}},
		{"added token in text", "hello [SEP] world", []int32{2, 5, 3, 6, 3}},
		{"whitespace runs", "  hello \t\n world  ", []int32{2, 5, 6, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := tok.Encode(tt.text)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, in.InputIDs); diff != "" {
				t.Errorf("InputIDs mismatch (-want +got):\n%s", diff)
			}
			if in.Length != len(tt.want) {
				t.Errorf("Expected length %d, got %d", len(tt.want), in.Length)
			}
			for i, m := range in.AttentionMask {
				if m != 1 {
					t.Errorf("Expected mask 1 at %d, got %d", i, m)
				}
			}
			for i, ty := range in.TokenTypeIDs {
				if ty != 0 {
					t.Errorf("Expected token type 0 at %d, got %d", i, ty)
				}
			}
			if in.Truncated {
				t.Errorf("Did not expect truncation")
			}
		})
	}
}

func TestEncodeInvalidUTF8(t *testing.T) {
	tok := newTestTokenizer(t)
	_, err := tok.Encode("hello \xff\xfe")
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("Expected ErrInvalidEncoding, got %v", err)
	}
	if apperr.Code(err) != 1101 {
		t.Errorf("Expected code 1101, got %d", apperr.Code(err))
	}
}

func TestEncodeTruncation(t *testing.T) {
	tok, err := newTestTokenizer(t).WithMaxLength(4)
	if err != nil {
		t.Fatalf("WithMaxLength failed: %v", err)
	}

	in, err := tok.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if in.Truncated {
		t.Errorf("Sequence that fits exactly must not be marked truncated")
	}

	in, err = tok.Encode("hello world hello world, unaffable")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if diff := cmp.Diff([]int32{2, 5, 6, 3}, in.InputIDs); diff != "" {
		t.Errorf("InputIDs mismatch (-want +got):\n%s", diff)
	}
	if !in.Truncated {
		t.Errorf("Expected Truncated to be set")
	}
	if in.Len() != tok.MaxLength() {
		t.Errorf("Expected length %d, got %d", tok.MaxLength(), in.Len())
	}

	if _, err := tok.WithMaxLength(1); err == nil {
		t.Errorf("Expected error for max length 1")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	tok := newTestTokenizer(t)
	a, _ := tok.Encode("Hello, unaffable world! 中")
	b, _ := tok.Encode("Hello, unaffable world! 中")
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Encode is not deterministic (-a +b):\n%s", diff)
	}
}

func TestEncodeBatch(t *testing.T) {
	tok := newTestTokenizer(t)
	batch, err := tok.EncodeBatch([]string{"hello", "hello world, world"})
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}

	if diff := cmp.Diff([]int32{2, 5, 3, 0, 0, 0}, batch[0].InputIDs); diff != "" {
		t.Errorf("Padded ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{1, 1, 1, 0, 0, 0}, batch[0].AttentionMask); diff != "" {
		t.Errorf("Padded mask mismatch (-want +got):\n%s", diff)
	}
	if batch[0].Length != 3 {
		t.Errorf("Expected real length 3, got %d", batch[0].Length)
	}
	if batch[1].Len() != 6 || batch[1].Length != 6 {
		t.Errorf("Expected unpadded longest sequence of 6, got len=%d length=%d", batch[1].Len(), batch[1].Length)
	}

	if _, err := tok.EncodeBatch([]string{"ok", "\xff"}); !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("Expected ErrInvalidEncoding from batch, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	tok := newTestTokenizer(t)
	in, _ := tok.Encode("hello unaffable world")
	if got := tok.Decode(in.InputIDs); got != "hello unaffable world" {
		t.Errorf("Decode = %q", got)
	}
}

func TestSpecialTokens(t *testing.T) {
	tok := newTestTokenizer(t)
	want := SpecialTokens{Pad: 0, Unk: 1, CLS: 2, SEP: 3, Mask: 4}
	if diff := cmp.Diff(want, tok.Special()); diff != "" {
		t.Errorf("Special tokens mismatch (-want +got):\n%s", diff)
	}
	if tok.VocabSize() != 17 {
		t.Errorf("Expected vocab size 17, got %d", tok.VocabSize())
	}
	if tok.MaxLength() != DefaultMaxLength {
		t.Errorf("Expected default max length, got %d", tok.MaxLength())
	}
	if id, ok := tok.TokenToID("world"); !ok || id != 6 {
		t.Errorf("TokenToID(world) = %d, %v", id, ok)
	}
	if s, ok := tok.IDToToken(11); !ok || s != "##able" {
		t.Errorf("IDToToken(11) = %q, %v", s, ok)
	}
	if _, ok := tok.IDToToken(99); ok {
		t.Errorf("Expected out of range id to be unknown")
	}
}

func TestBertProcessingAndTruncationSettings(t *testing.T) {
	data := `{
	  "truncation": {"max_length": 8, "strategy": "LongestFirst"},
	  "padding": {"pad_id": 0},
	  "post_processor": {"type": "BertProcessing", "sep": ["[SEP]", 3], "cls": ["[CLS]", 2]},
	  "model": {"type": "WordPiece", "unk_token": "[UNK]", "vocab": {"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "a": 4}}
	}`
	tok, err := LoadFromBytes([]byte(data))
	if err != nil {
		t.Fatalf("Failed to load tokenizer: %v", err)
	}
	if tok.MaxLength() != 8 {
		t.Errorf("Expected max length 8, got %d", tok.MaxLength())
	}
	in, _ := tok.Encode("A a a a a a a a a")
	if in.Len() != 8 || !in.Truncated {
		t.Errorf("Expected truncation to 8 tokens, got %d (truncated=%v)", in.Len(), in.Truncated)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"bpe model", `{"model": {"type": "BPE", "vocab": {"a": 0}}}`},
		{"empty vocab", `{"model": {"type": "WordPiece", "vocab": {}}}`},
		{"missing unk", `{"model": {"type": "WordPiece", "vocab": {"[CLS]": 0, "[SEP]": 1}}}`},
		{"missing cls", `{"model": {"type": "WordPiece", "vocab": {"[UNK]": 0, "[SEP]": 1}}}`},
		{"sparse id", `{"model": {"type": "WordPiece", "vocab": {"[UNK]": 0, "[CLS]": 1, "[SEP]": 2, "x": 2147483000}}}`},
		{"added token id out of range", `{"added_tokens": [{"id": 4096, "content": "[X]", "special": true}], "model": {"type": "WordPiece", "vocab": {"[UNK]": 0, "[CLS]": 1, "[SEP]": 2}}}`},
		{"unsupported normalizer", `{"normalizer": {"type": "NFKC"}, "model": {"type": "WordPiece", "vocab": {"[UNK]": 0, "[CLS]": 1, "[SEP]": 2}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatalf("Failed to write fixture: %v", err)
			}
			_, err := Load(path)
			if !errors.Is(err, apperr.ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}
