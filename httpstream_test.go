package gocbx

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func newRowReader(doc string) *RowReader {
	return NewRowReader(nopCloser{strings.NewReader(doc)})
}

func TestRowReaderYieldsRowsInOrder(t *testing.T) {
	r := newRowReader(`{"requestID":"abc","rows":[{"n":1},{"n":2},{"n":3}],"status":"success"}`)
	defer r.Close()

	var got []int
	for {
		var row struct {
			N int `json:"n"`
		}
		ok, err := r.Next(&row)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row.N)
	}
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestRowReaderMetadataBeforeDrainFails(t *testing.T) {
	r := newRowReader(`{"rows":[{"n":1}],"status":"success"}`)
	defer r.Close()

	_, err := r.Metadata()
	require.ErrorIs(t, err, ErrStreamNotDrained)

	var row struct{ N int }
	_, _ = r.Next(&row)
	_, err = r.Next(&row) // drains to end
	require.NoError(t, err)

	meta, err := r.Metadata()
	require.NoError(t, err)
	require.Contains(t, meta, "status")
}

func TestRowReaderCapturesMetadataBeforeAndAfterRows(t *testing.T) {
	r := newRowReader(`{"requestID":"abc","rows":[{"n":1}],"status":"success","metrics":{"elapsed":"1ms"}}`)
	defer r.Close()

	var row struct{ N int }
	for {
		ok, err := r.Next(&row)
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	meta, err := r.Metadata()
	require.NoError(t, err)
	require.Contains(t, meta, "requestID")
	require.Contains(t, meta, "status")
	require.Contains(t, meta, "metrics")
}

func TestRowReaderSecondPassFails(t *testing.T) {
	r := newRowReader(`{"rows":[],"status":"success"}`)
	defer r.Close()

	var row struct{ N int }
	_, err := r.Next(&row)
	require.NoError(t, err)

	_, err = r.Next(&row)
	require.ErrorIs(t, err, ErrStreamAlreadyRead)
}

func TestRowReaderNoRowsFieldIsStillDrainable(t *testing.T) {
	r := newRowReader(`{"status":"fatal errors"}`)
	defer r.Close()

	var row struct{ N int }
	ok, err := r.Next(&row)
	require.NoError(t, err)
	require.False(t, ok)

	meta, err := r.Metadata()
	require.NoError(t, err)
	require.Contains(t, meta, "status")
}

func TestRowReaderMalformedJSONYieldsParseError(t *testing.T) {
	r := newRowReader(`{"rows":[{"n":1},{bad json`)
	defer r.Close()

	var row struct{ N int }
	ok, err := r.Next(&row)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Next(&row)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrParse)
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		code      int
		body      string
		retryable bool
	}{
		{200, "", false},
		{307, "", true},
		{503, "", true},
		{404, `{"error":"not found"}`, true},
		{404, `{"error":"index not found, missing"}`, false},
		{404, `resource not_found, missing`, false},
		{404, `index unavailable`, true},
		{500, `internal error`, true},
		{500, `error: missing named view`, false},
		{500, `{not_found, missing_named_view}`, false},
		{400, `bad request`, false},
	}
	for _, c := range cases {
		require.Equal(t, c.retryable, ClassifyHTTPStatus(c.code, []byte(c.body)), "code=%d body=%q", c.code, c.body)
	}
}
