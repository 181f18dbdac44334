// Package spans checks annotated term offsets against the text they point into.
package spans

import (
	"fmt"

	"github.com/loqalabs/loqa-tts-batch/internal/source"
)

// MismatchError identifies the first term whose offsets do not select its text.
type MismatchError struct {
	Group    string
	Ordinal  int // 1-based position of the record within its group
	Start    int
	End      int
	Expected string
	Actual   string
	Reason   string
}

func (e *MismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("group %q record %d: term %q at [%d,%d): %s",
			e.Group, e.Ordinal, e.Expected, e.Start, e.End, e.Reason)
	}
	return fmt.Sprintf("group %q record %d: term at [%d,%d) expected %q, found %q",
		e.Group, e.Ordinal, e.Start, e.End, e.Expected, e.Actual)
}

// Validate walks every group in order and stops at the first mismatch.
// onGroup, when non-nil, is called after each group passes.
func Validate(groups []source.Group, onGroup func(name string, records int)) error {
	for _, g := range groups {
		for i, rec := range g.Records {
			if err := checkRecord(g.Name, i+1, rec); err != nil {
				return err
			}
		}
		if onGroup != nil {
			onGroup(g.Name, len(g.Records))
		}
	}
	return nil
}

func checkRecord(group string, ordinal int, rec source.Record) error {
	if len(rec.Terms) == 0 {
		return nil
	}
	runes := []rune(rec.Text)
	for _, term := range rec.Terms {
		mismatch := &MismatchError{
			Group:    group,
			Ordinal:  ordinal,
			Start:    term.Start,
			End:      term.End,
			Expected: term.Text,
		}
		switch {
		case term.Start < 0 || term.End < 0:
			mismatch.Reason = "negative offset"
			return mismatch
		case term.Start > term.End:
			mismatch.Reason = "start after end"
			return mismatch
		case term.End > len(runes):
			mismatch.Reason = fmt.Sprintf("end beyond text length %d", len(runes))
			return mismatch
		}
		if actual := string(runes[term.Start:term.End]); actual != term.Text {
			mismatch.Actual = actual
			return mismatch
		}
	}
	return nil
}
