package stream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecoderFrames(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		": ping",
		"event: status",
		`data: {"message":"logging in",`,
		`data: "step":"auth"}`,
		"id: 7",
		"",
		"",
		"event: done",
		`data: {"total":3}`,
		"",
		"",
	}, "\n")
	dec := newDecoder(strings.NewReader(input))

	f, err := dec.next()
	require.NoError(t, err)
	require.Equal(t, NameKeepalive, f.name)

	f, err = dec.next()
	require.NoError(t, err)
	require.Equal(t, NameStatus, f.name)
	require.Equal(t, "{\"message\":\"logging in\",\n\"step\":\"auth\"}", string(f.data))

	f, err = dec.next()
	require.NoError(t, err)
	require.Equal(t, NameDone, f.name)

	_, err = dec.next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderDefaultsToMessage(t *testing.T) {
	t.Parallel()

	dec := newDecoder(strings.NewReader("data: hi\r\n\r\n"))
	f, err := dec.next()
	require.NoError(t, err)
	require.Equal(t, defaultEventName, f.name)
	require.Equal(t, "hi", string(f.data))
}

func TestDecoderDropsIncompleteTrailingFrame(t *testing.T) {
	t.Parallel()

	dec := newDecoder(strings.NewReader("event: question\ndata: {\"id\":\"q1\"}"))
	_, err := dec.next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderSurfacesReadErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	dec := newDecoder(io.MultiReader(strings.NewReader("event: status\n"), errReader{err: boom}))
	_, err := dec.next()
	require.ErrorIs(t, err, boom)
}

func TestParseEvents(t *testing.T) {
	t.Parallel()

	evt, err := Parse(NameQuestion, []byte(`{"id":"q1","subjectName":"Math","statement":"2+2?",
		"alternatives":[{"letter":"a","text":"4","isCorrect":true}],"metadata":{"week":3},"images":["u"]}`))
	require.NoError(t, err)
	q, ok := evt.(QuestionEvent)
	require.True(t, ok)
	require.Equal(t, "q1", q.Question.ID)
	require.Equal(t, 3, *q.Question.Metadata.Week)
	require.True(t, q.Question.Alternatives[0].IsCorrect)

	evt, err = Parse(NameExamDone, []byte(`{"examYear":2023,"examId":"e1","examName":"Final"}`))
	require.NoError(t, err)
	require.Equal(t, ExamDoneEvent{ExamYear: 2023, ExamID: "e1", ExamName: "Final"}, evt)

	evt, err = Parse(NameDone, []byte(`{"total":3}`))
	require.NoError(t, err)
	require.Equal(t, DoneEvent{Total: 3}, evt)

	_, err = Parse("surprise", nil)
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Parse(NameError, []byte(`{not json`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = Parse(NameQuestion, nil)
	require.ErrorIs(t, err, ErrMalformedEvent)
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}
