package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietDecoder() *Decoder {
	return NewDecoder(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func frame(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", content)
}

func TestDecodeConcatenatesFragmentsInOrder(t *testing.T) {
	body := frame("Hel") + frame("lo") + "data: [DONE]\n\n"

	var partials []string
	text, err := quietDecoder().Decode(context.Background(), strings.NewReader(body), func(s string) {
		partials = append(partials, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "Hello"}, partials)
}

func TestDecodeSkipsMalformedLine(t *testing.T) {
	body := frame("A") + "data: {not json\n" + frame("B")

	var skipped []string
	dec := quietDecoder().OnMalformed(func(line string, err error) {
		assert.True(t, errors.Is(err, ErrMalformedFragment))
		skipped = append(skipped, line)
	})
	acc, err := dec.DecodeInto(context.Background(), strings.NewReader(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "AB", acc.Text)
	assert.Equal(t, 2, acc.Fragments)
	assert.Equal(t, 1, acc.Malformed)
	assert.Equal(t, []string{"data: {not json"}, skipped)
}

func TestDecodeDoneOnlyYieldsEmptyText(t *testing.T) {
	calls := 0
	acc, err := quietDecoder().DecodeInto(context.Background(), strings.NewReader("data: [DONE]\n"), func(string) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, "", acc.Text)
	assert.True(t, acc.Done)
	assert.Zero(t, calls)
}

func TestDecodeReassemblesLinesAcrossChunks(t *testing.T) {
	body := frame("héllo ") + frame("wörld")
	text, err := quietDecoder().Decode(context.Background(), iotest.OneByteReader(strings.NewReader(body)), nil)
	require.NoError(t, err)
	assert.Equal(t, "héllo wörld", text)
}

func TestDecodeIgnoresEmptyAndNonContentFrames(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"event: message",
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"content":""}}]}`,
		"",
		`data:{"choices":[{"delta":{"content":"x"}}]}`,
		`{"choices":[{"delta":{"content":"y"}}]}`,
		`data: {"choices":[{"delta":{"content":"z"}}]}`, // no trailing newline
	}, "\r\n")
	acc, err := quietDecoder().DecodeInto(context.Background(), strings.NewReader(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "xyz", acc.Text)
	assert.Zero(t, acc.Malformed)
}

func TestDecodeProviderErrorFrameIsSkipped(t *testing.T) {
	body := frame("ok") + `data: {"error":{"message":"rate limited","type":"rate_limit"}}` + "\n"
	acc, err := quietDecoder().DecodeInto(context.Background(), strings.NewReader(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", acc.Text)
	assert.Equal(t, 1, acc.Malformed)
}

func TestDecodeTransportErrorKeepsPartial(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(frame("partial")), iotest.ErrReader(boom))

	var partials []string
	text, err := quietDecoder().Decode(context.Background(), r, func(s string) { partials = append(partials, s) })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", text)
	assert.Equal(t, []string{"partial"}, partials)
}

func TestDecodeStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := quietDecoder().Decode(ctx, strings.NewReader(frame("x")), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventWriterFormatsFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewEventWriter(rec)
	require.NoError(t, err)
	require.NoError(t, w.Send("stream", map[string]string{"content": "Hi"}))
	require.NoError(t, w.Send("", "raw"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: stream\ndata: {\"content\":\"Hi\"}\n\ndata: raw\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
