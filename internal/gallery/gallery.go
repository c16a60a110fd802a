// Package gallery holds the gallery data model shared by the spider engine,
// the parser, and the content stores: references, persisted metadata, the
// per-page token map, and the site URL layout.
package gallery

import (
	"errors"
	"fmt"
	"sort"
)

// Ref identifies a remote gallery. It is immutable and keys the engine registry.
type Ref struct {
	ID    int64  `json:"gid"`
	Token string `json:"token"`
}

// String renders the reference as gid/token.
func (r Ref) String() string {
	return fmt.Sprintf("%d/%s", r.ID, r.Token)
}

// Validate enforces a positive id and a non-empty token.
func (r Ref) Validate() error {
	if r.ID <= 0 {
		return errors.New("gallery id must be > 0")
	}
	if r.Token == "" {
		return errors.New("gallery token is required")
	}
	return nil
}

// Token is the resolution result for one page: either a resolved access token
// or the permanent failure marker. The marker never shares the value space of
// real tokens.
type Token struct {
	value  string
	failed bool
}

// PermanentFailure marks an index whose token could not be resolved.
var PermanentFailure = Token{failed: true}

// Resolved wraps a page access token.
func Resolved(value string) Token {
	return Token{value: value}
}

// Value returns the token and true when it was resolved.
func (t Token) Value() (string, bool) {
	if t.failed {
		return "", false
	}
	return t.value, true
}

// Failed reports whether t is the permanent failure marker.
func (t Token) Failed() bool {
	return t.failed
}

// TokenMap maps page index to its token.
type TokenMap map[int]Token

// Indices returns the keys in ascending order.
func (m TokenMap) Indices() []int {
	out := make([]int, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// DefaultMode is the mode marker written for records created by this package.
const DefaultMode = 1

// Metadata is the persisted description of a gallery: its page count, the
// preview pagination shape, the bulk start page, and the known page tokens.
type Metadata struct {
	ID               int64
	Token            string
	Mode             int
	StartPage        int
	PageCount        int
	PreviewPageCount int
	// PreviewPerPage is the number of pages per preview batch; -1 when unknown.
	PreviewPerPage int
	Tokens         TokenMap
}

// NewMetadata creates an empty record for ref.
func NewMetadata(ref Ref, pageCount int) *Metadata {
	return &Metadata{
		ID:             ref.ID,
		Token:          ref.Token,
		Mode:           DefaultMode,
		PageCount:      pageCount,
		PreviewPerPage: -1,
		Tokens:         make(TokenMap),
	}
}

// Ref returns the gallery reference of the record.
func (m *Metadata) Ref() Ref {
	return Ref{ID: m.ID, Token: m.Token}
}

// Matches reports whether the record belongs to ref.
func (m *Metadata) Matches(ref Ref) bool {
	return m != nil && m.ID == ref.ID && m.Token == ref.Token
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Tokens = make(TokenMap, len(m.Tokens))
	for idx, tok := range m.Tokens {
		out.Tokens[idx] = tok
	}
	return &out
}

// PreviewIndex computes which preview batch should list the token for index.
func (m *Metadata) PreviewIndex(index int) int {
	previewIndex := 0
	if m.PreviewPerPage > 0 {
		previewIndex = index / m.PreviewPerPage
	}
	if m.PreviewPageCount > 0 && previewIndex > m.PreviewPageCount-1 {
		previewIndex = m.PreviewPageCount - 1
	}
	if previewIndex < 0 {
		previewIndex = 0
	}
	return previewIndex
}

// MergeTokens records resolved tokens for indices that have no entry yet.
// Existing entries, including failure markers, are left untouched.
func (m *Metadata) MergeTokens(tokens map[int]string) int {
	added := 0
	for idx, value := range tokens {
		if idx < 0 || value == "" {
			continue
		}
		if _, ok := m.Tokens[idx]; ok {
			continue
		}
		m.Tokens[idx] = Resolved(value)
		added++
	}
	return added
}

// ClearFailure drops the failure marker for index so it can be resolved again.
func (m *Metadata) ClearFailure(index int) bool {
	if tok, ok := m.Tokens[index]; ok && tok.Failed() {
		delete(m.Tokens, index)
		return true
	}
	return false
}
