package spans

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts-batch/internal/source"
)

func TestValidatePasses(t *testing.T) {
	groups := []source.Group{
		{Name: "doctor_sentences", Records: []source.Record{{Text: "Patient has a fever"}}},
		{Name: "claim_sentences", Records: []source.Record{{
			Text:  "Claim accepted",
			Terms: []source.Term{{Start: 0, End: 5, Text: "Claim"}, {Start: 6, End: 14, Text: "accepted"}},
		}}},
	}
	var confirmed []string
	err := Validate(groups, func(name string, records int) {
		assert.Equal(t, 1, records)
		confirmed = append(confirmed, name)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doctor_sentences", "claim_sentences"}, confirmed)
}

func TestValidateCountsCodePoints(t *testing.T) {
	groups := []source.Group{{Name: "g", Records: []source.Record{{
		Text:  "Fièvre élevée",
		Terms: []source.Term{{Start: 7, End: 13, Text: "élevée"}},
	}}}}
	assert.NoError(t, Validate(groups, nil))
}

func TestValidateMismatchStopsAtFirst(t *testing.T) {
	groups := []source.Group{
		{Name: "ok", Records: []source.Record{{Text: "fine"}}},
		{Name: "claim_sentences", Records: []source.Record{
			{Text: "Claim accepted", Terms: []source.Term{{Start: 0, End: 5, Text: "Claim"}}},
			{Text: "Claim denied", Terms: []source.Term{{Start: 1, End: 6, Text: "Claim"}}},
			{Text: "Never reached", Terms: []source.Term{{Start: 0, End: 1, Text: "x"}}},
		}},
	}
	var confirmed []string
	err := Validate(groups, func(name string, _ int) { confirmed = append(confirmed, name) })
	var mm *MismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, "claim_sentences", mm.Group)
	assert.Equal(t, 2, mm.Ordinal)
	assert.Equal(t, 1, mm.Start)
	assert.Equal(t, 6, mm.End)
	assert.Equal(t, "Claim", mm.Expected)
	assert.Equal(t, "laim ", mm.Actual)
	assert.Equal(t, []string{"ok"}, confirmed, "failing group must not be confirmed")
	assert.Contains(t, err.Error(), `group "claim_sentences" record 2`)
}

func TestValidateBadOffsets(t *testing.T) {
	cases := []source.Term{
		{Start: -1, End: 2, Text: "ab"},
		{Start: 3, End: 1, Text: "ab"},
		{Start: 0, End: 99, Text: "abc"},
	}
	for _, term := range cases {
		groups := []source.Group{{Name: "g", Records: []source.Record{{Text: "abc", Terms: []source.Term{term}}}}}
		err := Validate(groups, nil)
		var mm *MismatchError
		require.True(t, errors.As(err, &mm), "%+v", term)
		assert.NotEmpty(t, mm.Reason)
	}
}
