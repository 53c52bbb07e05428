package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/raaihank/embedlib/internal/apperr"
)

type rawTokenizer struct {
	Model struct {
		Type                    string           `json:"type"`
		Vocab                   map[string]int32 `json:"vocab"`
		UnkToken                string           `json:"unk_token"`
		ContinuingSubwordPrefix *string          `json:"continuing_subword_prefix"`
		MaxInputCharsPerWord    int              `json:"max_input_chars_per_word"`
	} `json:"model"`
	Normalizer *struct {
		Type               string `json:"type"`
		CleanText          *bool  `json:"clean_text"`
		HandleChineseChars *bool  `json:"handle_chinese_chars"`
		StripAccents       *bool  `json:"strip_accents"`
		Lowercase          *bool  `json:"lowercase"`
	} `json:"normalizer"`
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PostProcessor *struct {
		Type string `json:"type"`
		// BertProcessing
		Sep []any `json:"sep"`
		Cls []any `json:"cls"`
		// TemplateProcessing
		Single []struct {
			SpecialToken *struct {
				ID string `json:"id"`
			} `json:"SpecialToken"`
		} `json:"single"`
		SpecialTokens map[string]struct {
			IDs []int32 `json:"ids"`
		} `json:"special_tokens"`
	} `json:"post_processor"`
	Padding *struct {
		PadID *int32 `json:"pad_id"`
	} `json:"padding"`
	Truncation *struct {
		MaxLength int `json:"max_length"`
	} `json:"truncation"`
}

// Load reads a Hugging Face tokenizer.json holding a WordPiece model.
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.ErrNotFound, err, "tokenizer file %q", path)
		}
		return nil, apperr.Wrap(apperr.ErrIO, err, "read tokenizer file %q", path)
	}

	t, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("tokenizer file %q: %w", path, err)
	}
	return t, nil
}

// LoadFromBytes parses tokenizer.json content.
func LoadFromBytes(data []byte) (*Tokenizer, error) {
	var raw rawTokenizer
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "decode tokenizer")
	}

	if raw.Model.Type != "" && raw.Model.Type != "WordPiece" {
		return nil, apperr.Errorf(apperr.ErrMalformed, "unsupported tokenizer model %q", raw.Model.Type)
	}
	if len(raw.Model.Vocab) == 0 {
		return nil, apperr.Errorf(apperr.ErrMalformed, "tokenizer vocabulary is empty")
	}

	t := &Tokenizer{
		vocab:                raw.Model.Vocab,
		continuingPrefix:     "##",
		maxInputCharsPerWord: 100,
		maxLength:            DefaultMaxLength,
		addedIDs:             make(map[string]int32),
		specialByID:          make(map[int32]bool),
		normalizer: normalizer{
			cleanText: true,
			handleCJK: true,
			lowercase: true,
		},
	}
	if raw.Model.ContinuingSubwordPrefix != nil {
		t.continuingPrefix = *raw.Model.ContinuingSubwordPrefix
	}
	if raw.Model.MaxInputCharsPerWord > 0 {
		t.maxInputCharsPerWord = raw.Model.MaxInputCharsPerWord
	}
	if raw.Truncation != nil && raw.Truncation.MaxLength > 0 {
		t.maxLength = raw.Truncation.MaxLength
	}
	if t.maxLength < 2 {
		return nil, apperr.Errorf(apperr.ErrMalformed, "truncation max_length %d is too small", t.maxLength)
	}

	if n := raw.Normalizer; n != nil {
		if n.Type != "" && n.Type != "BertNormalizer" {
			return nil, apperr.Errorf(apperr.ErrMalformed, "unsupported normalizer %q", n.Type)
		}
		if n.CleanText != nil {
			t.normalizer.cleanText = *n.CleanText
		}
		if n.HandleChineseChars != nil {
			t.normalizer.handleCJK = *n.HandleChineseChars
		}
		if n.Lowercase != nil {
			t.normalizer.lowercase = *n.Lowercase
		}
	}
	// strip_accents follows lowercase unless set explicitly
	t.normalizer.stripAccents = t.normalizer.lowercase
	if raw.Normalizer != nil && raw.Normalizer.StripAccents != nil {
		t.normalizer.stripAccents = *raw.Normalizer.StripAccents
	}

	for tok, id := range raw.Model.Vocab {
		if id < 0 {
			return nil, apperr.Errorf(apperr.ErrMalformed, "token %q has negative id %d", tok, id)
		}
	}
	for _, at := range raw.AddedTokens {
		if at.Content == "" || at.ID < 0 {
			return nil, apperr.Errorf(apperr.ErrMalformed, "invalid added token %q (id %d)", at.Content, at.ID)
		}
		t.addedIDs[at.Content] = at.ID
		t.added = append(t.added, at.Content)
		if at.Special {
			t.specialByID[at.ID] = true
		}
	}
	sortLongestFirst(t.added)

	values, err := buildValues(raw.Model.Vocab, t.addedIDs)
	if err != nil {
		return nil, err
	}
	t.values = values

	if err := t.resolveSpecial(&raw); err != nil {
		return nil, err
	}
	return t, nil
}

// buildValues inverts the vocabulary. Ids must be dense: none may reach the
// total number of entries, so the table never outgrows the file.
func buildValues(vocab, added map[string]int32) ([]string, error) {
	limit := len(vocab) + len(added)
	size := 0
	for _, m := range []map[string]int32{vocab, added} {
		for tok, id := range m {
			if int(id) >= limit {
				return nil, apperr.Errorf(apperr.ErrMalformed, "token %q has id %d outside the vocabulary of %d entries", tok, id, limit)
			}
			if int(id)+1 > size {
				size = int(id) + 1
			}
		}
	}
	values := make([]string, size)
	for tok, id := range vocab {
		values[id] = tok
	}
	for tok, id := range added {
		values[id] = tok
	}
	return values, nil
}

func (t *Tokenizer) resolveSpecial(raw *rawTokenizer) error {
	lookup := func(tok string) (int32, bool) {
		return t.TokenToID(tok)
	}

	unkToken := raw.Model.UnkToken
	if unkToken == "" {
		unkToken = "[UNK]"
	}
	unk, ok := lookup(unkToken)
	if !ok {
		return apperr.Errorf(apperr.ErrMalformed, "unknown token %q is not in the vocabulary", unkToken)
	}
	t.special.Unk = unk

	clsName, sepName := "[CLS]", "[SEP]"
	cls, clsOK := lookup(clsName)
	sep, sepOK := lookup(sepName)

	if pp := raw.PostProcessor; pp != nil {
		switch pp.Type {
		case "BertProcessing", "RobertaProcessing":
			if id, ok := tupleID(pp.Cls); ok {
				cls, clsOK = id, true
			}
			if id, ok := tupleID(pp.Sep); ok {
				sep, sepOK = id, true
			}
		case "TemplateProcessing":
			var names []string
			for _, piece := range pp.Single {
				if piece.SpecialToken != nil {
					names = append(names, piece.SpecialToken.ID)
				}
			}
			if len(names) >= 2 {
				if st, ok := pp.SpecialTokens[names[0]]; ok && len(st.IDs) > 0 {
					cls, clsOK = st.IDs[0], true
				}
				if st, ok := pp.SpecialTokens[names[len(names)-1]]; ok && len(st.IDs) > 0 {
					sep, sepOK = st.IDs[0], true
				}
			}
		}
	}
	if !clsOK || !sepOK {
		return apperr.Errorf(apperr.ErrMalformed, "tokenizer defines no [CLS]/[SEP] tokens")
	}
	t.special.CLS, t.special.SEP = cls, sep

	if raw.Padding != nil && raw.Padding.PadID != nil {
		t.special.Pad = *raw.Padding.PadID
	} else if id, ok := lookup("[PAD]"); ok {
		t.special.Pad = id
	}

	t.special.Mask = -1
	if id, ok := lookup("[MASK]"); ok {
		t.special.Mask = id
	}

	for _, id := range []int32{t.special.CLS, t.special.SEP, t.special.Pad} {
		if int(id) >= len(t.values) || id < 0 {
			return apperr.Errorf(apperr.ErrMalformed, "special token id %d outside vocabulary of %d", id, len(t.values))
		}
		t.specialByID[id] = true
	}
	return nil
}

// tupleID reads the id out of a ["[CLS]", 101] pair.
func tupleID(pair []any) (int32, bool) {
	if len(pair) != 2 {
		return 0, false
	}
	f, ok := pair[1].(float64)
	if !ok {
		return 0, false
	}
	return int32(f), true
}
