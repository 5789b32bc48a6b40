// Package ot holds the structural change description for memo edits and the
// position-shift transform used to rebase a change over a concurrent one.
package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrOutOfRange is returned when a change does not fit the document it is applied to.
	ErrOutOfRange = errors.New("change out of document range")
	// ErrRangeGone is returned by Transform when the text a change targets was
	// removed by the concurrent change.
	ErrRangeGone = errors.New("target range no longer exists")
)

// Change is a splice in rune coordinates: remove Delete runes starting at Pos,
// then insert Insert at Pos.
type Change struct {
	Pos    int    `json:"pos"`
	Delete int    `json:"delete,omitempty"`
	Insert string `json:"insert,omitempty"`
}

func InsertAt(pos int, text string) Change {
	return Change{Pos: pos, Insert: text}
}

func DeleteAt(pos, n int) Change {
	return Change{Pos: pos, Delete: n}
}

func ReplaceAt(pos, n int, text string) Change {
	return Change{Pos: pos, Delete: n, Insert: text}
}

// IsNoop reports whether applying the change leaves any document untouched.
func (c Change) IsNoop() bool {
	return c.Delete == 0 && c.Insert == ""
}

// InsertLen is the number of runes the change inserts.
func (c Change) InsertLen() int {
	return utf8.RuneCountInString(c.Insert)
}

func (c Change) end() int {
	return c.Pos + c.Delete
}

// Validate checks the change against a document of docLen runes.
func (c Change) Validate(docLen int) error {
	if c.Pos < 0 || c.Delete < 0 {
		return fmt.Errorf("%w: negative position or length", ErrOutOfRange)
	}
	if c.end() > docLen {
		return fmt.Errorf("%w: [%d,%d) beyond length %d", ErrOutOfRange, c.Pos, c.end(), docLen)
	}
	return nil
}

// Apply returns doc with the change applied.
func Apply(doc string, c Change) (string, error) {
	runes := []rune(doc)
	if err := c.Validate(len(runes)); err != nil {
		return doc, err
	}
	if c.IsNoop() {
		return doc, nil
	}
	out := make([]rune, 0, len(runes)-c.Delete+c.InsertLen())
	out = append(out, runes[:c.Pos]...)
	out = append(out, []rune(c.Insert)...)
	out = append(out, runes[c.end():]...)
	return string(out), nil
}

// ApplyAll applies changes in order.
func ApplyAll(doc string, changes ...Change) (string, error) {
	var err error
	for _, c := range changes {
		if doc, err = Apply(doc, c); err != nil {
			return doc, err
		}
	}
	return doc, nil
}
