// Package tokenizer implements BERT WordPiece tokenization driven by a
// Hugging Face tokenizer.json artifact.
package tokenizer

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/raaihank/embedlib/internal/apperr"
)

// DefaultMaxLength is used when tokenizer.json carries no truncation setting.
const DefaultMaxLength = 512

// ErrInvalidEncoding is returned for text that is not valid UTF-8.
var ErrInvalidEncoding = apperr.ErrInvalidEncoding

// SpecialTokens holds the ids of the BERT control tokens. Mask is -1 when the
// vocabulary has none.
type SpecialTokens struct {
	Pad  int32
	Unk  int32
	CLS  int32
	SEP  int32
	Mask int32
}

// TokenizedInput represents tokenized text ready for model inference
type TokenizedInput struct {
	InputIDs      []int32
	AttentionMask []int32
	TokenTypeIDs  []int32
	Length        int // real tokens, excluding padding
	Truncated     bool
}

// Len returns the padded sequence length.
func (in *TokenizedInput) Len() int {
	return len(in.InputIDs)
}

// Tokenizer converts text to token ids. It is immutable after Load and safe
// for concurrent use.
type Tokenizer struct {
	vocab   map[string]int32
	values  []string
	special SpecialTokens

	normalizer normalizer

	continuingPrefix     string
	maxInputCharsPerWord int
	maxLength            int

	// added tokens matched verbatim in raw text, longest first
	added       []string
	addedIDs    map[string]int32
	specialByID map[int32]bool
}

// Special returns the control token ids.
func (t *Tokenizer) Special() SpecialTokens {
	return t.special
}

// VocabSize returns one past the largest token id.
func (t *Tokenizer) VocabSize() int {
	return len(t.values)
}

// MaxLength returns the sequence length limit, special tokens included.
func (t *Tokenizer) MaxLength() int {
	return t.maxLength
}

// WithMaxLength returns a copy of the tokenizer that truncates to n tokens.
func (t *Tokenizer) WithMaxLength(n int) (*Tokenizer, error) {
	if n < 2 {
		return nil, fmt.Errorf("max length %d leaves no room for [CLS] and [SEP]", n)
	}
	c := *t
	c.maxLength = n
	return &c, nil
}

// TokenToID looks up a token.
func (t *Tokenizer) TokenToID(token string) (int32, bool) {
	if id, ok := t.addedIDs[token]; ok {
		return id, true
	}
	id, ok := t.vocab[token]
	return id, ok
}

// IDToToken looks up an id.
func (t *Tokenizer) IDToToken(id int32) (string, bool) {
	if id < 0 || int(id) >= len(t.values) || t.values[id] == "" {
		return "", false
	}
	return t.values[id], true
}

// Encode tokenizes text as a single sequence: [CLS] tokens... [SEP]. Content
// beyond MaxLength-2 tokens is dropped and Truncated is set.
func (t *Tokenizer) Encode(text string) (*TokenizedInput, error) {
	if !utf8.ValidString(text) {
		return nil, apperr.Errorf(apperr.ErrInvalidEncoding, "input is not valid UTF-8")
	}

	budget := t.maxLength - 2
	ids := make([]int32, 0, 16)
	ids = append(ids, t.special.CLS)

	truncated := false
	for _, seg := range t.splitAdded(text) {
		if seg.added {
			ids = append(ids, seg.id)
		} else {
			ids = t.encodeText(seg.text, ids)
		}
		if len(ids)-1 > budget {
			truncated = true
			break
		}
	}
	if len(ids)-1 > budget {
		ids = ids[:budget+1]
	}
	ids = append(ids, t.special.SEP)

	n := len(ids)
	mask := make([]int32, n)
	for i := range mask {
		mask[i] = 1
	}

	return &TokenizedInput{
		InputIDs:      ids,
		AttentionMask: mask,
		TokenTypeIDs:  make([]int32, n),
		Length:        n,
		Truncated:     truncated,
	}, nil
}

// EncodeBatch tokenizes every text and pads all sequences to the longest one
// with the pad id and a zero attention mask.
func (t *Tokenizer) EncodeBatch(texts []string) ([]*TokenizedInput, error) {
	out := make([]*TokenizedInput, len(texts))
	longest := 0
	for i, text := range texts {
		in, err := t.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = in
		if in.Len() > longest {
			longest = in.Len()
		}
	}
	for _, in := range out {
		t.Pad(in, longest)
	}
	return out, nil
}

// Pad extends in to n positions. Shorter targets are a no-op.
func (t *Tokenizer) Pad(in *TokenizedInput, n int) {
	for len(in.InputIDs) < n {
		in.InputIDs = append(in.InputIDs, t.special.Pad)
		in.AttentionMask = append(in.AttentionMask, 0)
		in.TokenTypeIDs = append(in.TokenTypeIDs, 0)
	}
}

// Decode turns ids back into text, skipping control tokens and joining
// continuation pieces onto the previous word.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if t.specialByID[id] {
			continue
		}
		tok, ok := t.IDToToken(id)
		if !ok {
			continue
		}
		if rest, cont := strings.CutPrefix(tok, t.continuingPrefix); cont && t.continuingPrefix != "" {
			sb.WriteString(rest)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(tok)
	}
	return sb.String()
}

func (t *Tokenizer) encodeText(text string, ids []int32) []int32 {
	for _, word := range preTokenize(t.normalizer.normalize(text)) {
		ids = t.wordPiece(word, ids)
	}
	return ids
}

// wordPiece appends the greedy longest-match-first pieces of word. A word
// that cannot be fully covered by the vocabulary becomes a single [UNK].
func (t *Tokenizer) wordPiece(word string, ids []int32) []int32 {
	if id, ok := t.vocab[word]; ok {
		return append(ids, id)
	}

	runes := []rune(word)
	if len(runes) > t.maxInputCharsPerWord {
		return append(ids, t.special.Unk)
	}

	mark := len(ids)
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = t.continuingPrefix + sub
			}
			if id, ok := t.vocab[sub]; ok {
				ids = append(ids, id)
				found = true
				break
			}
			end--
		}
		if !found {
			return append(ids[:mark], t.special.Unk)
		}
		start = end
	}
	return ids
}

type segment struct {
	text  string
	added bool
	id    int32
}

// splitAdded cuts text around verbatim occurrences of added tokens.
func (t *Tokenizer) splitAdded(text string) []segment {
	if len(t.added) == 0 || text == "" {
		return []segment{{text: text}}
	}

	var segs []segment
	for text != "" {
		at, tok := -1, ""
		for _, cand := range t.added {
			i := strings.Index(text, cand)
			if i < 0 {
				continue
			}
			// earliest match wins; t.added is longest first so ties keep the longer token
			if at < 0 || i < at {
				at, tok = i, cand
			}
		}
		if at < 0 {
			segs = append(segs, segment{text: text})
			break
		}
		if at > 0 {
			segs = append(segs, segment{text: text[:at]})
		}
		segs = append(segs, segment{added: true, id: t.addedIDs[tok]})
		text = text[at+len(tok):]
	}
	return segs
}

func sortLongestFirst(tokens []string) {
	sort.SliceStable(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
}
