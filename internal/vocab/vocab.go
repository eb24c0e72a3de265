// Package vocab maps target-language tokens to integer ids.
//
// A vocabulary file lists one token per line; the line number is the id.
// The first three ids are reserved for the unknown, start-of-sequence and
// end-of-sequence tokens. Files that do not start with them get them
// prepended, shifting every other id by three.
package vocab

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/nslt-input/internal/corpus"
)

// UnkID is the id returned for tokens missing from the table.
const UnkID int32 = 0

// Specials names the reserved tokens of a table.
type Specials struct {
	UNK string
	SOS string
	EOS string
}

// Table is an immutable token to id mapping. It is safe for concurrent use.
type Table struct {
	ids    map[string]int32
	tokens []string
}

// New builds a table from tokens, ensuring the reserved tokens occupy ids
// 0, 1 and 2. Blank tokens are skipped and duplicates keep their first id.
func New(tokens []string, specials Specials) *Table {
	head := []string{specials.UNK, specials.SOS, specials.EOS}

	var cleaned []string
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			cleaned = append(cleaned, tok)
		}
	}

	if !hasPrefix(cleaned, head) {
		log.Debug().
			Strs("specials", head).
			Msg("Vocabulary does not start with reserved tokens, prepending them")
		cleaned = append(head, cleaned...)
	}

	t := &Table{ids: make(map[string]int32, len(cleaned))}
	for _, tok := range cleaned {
		if _, dup := t.ids[tok]; dup {
			continue
		}
		t.ids[tok] = int32(len(t.tokens))
		t.tokens = append(t.tokens, tok)
	}
	return t
}

// Load reads a vocabulary file, plain or .zst compressed.
func Load(path string, specials Specials) (*Table, error) {
	lines, err := corpus.ReadLines(path)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	t := New(lines, specials)

	log.Info().
		Str("path", path).
		Int("size", t.Size()).
		Msg("Vocabulary loaded")

	return t, nil
}

// Lookup returns the id of token, or UnkID when it is not in the table.
func (t *Table) Lookup(token string) int32 {
	if id, ok := t.ids[token]; ok {
		return id
	}
	return UnkID
}

// Token returns the token with the given id, or "" when out of range.
func (t *Table) Token(id int32) string {
	if id < 0 || int(id) >= len(t.tokens) {
		return ""
	}
	return t.tokens[id]
}

// Size returns the number of distinct tokens, reserved ones included.
func (t *Table) Size() int { return len(t.tokens) }

func hasPrefix(tokens, prefix []string) bool {
	if len(tokens) < len(prefix) {
		return false
	}
	for i := range prefix {
		if tokens[i] != prefix[i] {
			return false
		}
	}
	return true
}
