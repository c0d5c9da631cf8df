package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderParsesDataLines(t *testing.T) {
	input := "event: message\n" +
		"data: {\"hello\":1}\n\n" +
		"data: line1\n" +
		"data: line2\n\n" +
		"data: [DONE]\n\n"

	r := NewReader(strings.NewReader(input))

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"hello":1}`, first)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", second)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderFlushesTrailingBufferOnEOF(t *testing.T) {
	r := NewReader(strings.NewReader("data: trailing"))
	data, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "trailing", data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriterRoundTrip(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)
	require.NoError(t, w.WriteEvent("line1\nline2"))
	require.NoError(t, w.WriteDone())

	r := NewReader(strings.NewReader(sb.String()))
	data, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
