package tocks

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tocks/storage"
)

func normal(text string) storage.Message {
	return storage.Message{Kind: storage.MessageNormal, Text: text}
}

func TestSplitMessageEmptyIsErr(t *testing.T) {
	_, err := splitMessage(normal(""), 100)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSplitMessageShortPassesThrough(t *testing.T) {
	out, err := splitMessage(normal("hello"), 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Text)
}

func TestSplitMessageAscii(t *testing.T) {
	out, err := splitMessage(normal("123456"), 5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "12345", out[0].Text)
	assert.Equal(t, "6", out[1].Text)

	out, err = splitMessage(normal("12345678901"), 5)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "12345", out[0].Text)
	assert.Equal(t, "67890", out[1].Text)
	assert.Equal(t, "1", out[2].Text)
}

func TestSplitMessageUtf8Boundaries(t *testing.T) {
	// ࣢ is a 3 byte UTF-8 character
	testCases := []struct {
		input    string
		expected []string
	}{
		{"12345࣢", []string{"12345", "࣢"}},
		{"1234࣢", []string{"1234", "࣢"}},
		{"123࣢", []string{"123", "࣢"}},
		{"12࣢", []string{"12࣢"}},
		{"123࣢78901", []string{"123", "࣢78", "901"}},
	}

	for _, tc := range testCases {
		out, err := splitMessage(normal(tc.input), 5)
		require.NoError(t, err)
		require.Len(t, out, len(tc.expected), "input %q", tc.input)
		for i, want := range tc.expected {
			assert.Equal(t, want, out[i].Text, "input %q chunk %d", tc.input, i)
		}
	}
}

func TestSplitMessagePreservesKind(t *testing.T) {
	out, err := splitMessage(storage.Message{Kind: storage.MessageAction, Text: "123456"}, 5)
	require.NoError(t, err)
	for _, chunk := range out {
		assert.Equal(t, storage.MessageAction, chunk.Kind)
	}
}

func TestSplitMessageInvalidUtf8StillTerminates(t *testing.T) {
	// A run of bare continuation bytes has no code point boundary to walk
	// back to; chunks then split at the requested length.
	input := strings.Repeat("\x80", 17)
	out, err := splitMessage(normal(input), 4)
	require.NoError(t, err)
	require.Len(t, out, 5)

	var rebuilt strings.Builder
	for _, chunk := range out {
		rebuilt.WriteString(chunk.Text)
	}
	assert.Equal(t, input, rebuilt.String())
}

func TestSplitMessageRoundTripsArbitraryInput(t *testing.T) {
	inputs := []string{
		strings.Repeat("a", 1000),
		strings.Repeat("࣢", 400),
		strings.Repeat("日本語テキスト", 100),
		"mixed ascii and ࣢ and 日本語 and more ascii " + strings.Repeat("x࣢", 200),
	}

	for _, input := range inputs {
		for _, boundary := range []int{5, 7, 64, 1371} {
			out, err := splitMessage(normal(input), boundary)
			require.NoError(t, err)

			var rebuilt strings.Builder
			for _, chunk := range out {
				assert.True(t, utf8.ValidString(chunk.Text),
					"chunk split inside a code point at boundary %d", boundary)
				rebuilt.WriteString(chunk.Text)
			}
			assert.Equal(t, input, rebuilt.String(), "boundary %d", boundary)
		}
	}
}
