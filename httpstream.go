package gocbx

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// rowState is the HTTP streaming reader's state machine (§4.9): it walks
// the top-level JSON object token by token, capturing every other field into
// a metadata buffer until it finds the "rows" array, yields each element of
// that array as a row, then resumes metadata capture for whatever follows.
type rowState int

const (
	stateSeekingRows rowState = iota
	stateInRows
	stateBetweenRows
	stateTailingMeta
	stateDone
	stateFailed
)

// RowReader is a lazy, single-pass iterator over the "rows" array of a
// streamed query response, with metadata available once the stream is
// drained (§4.9). Grounded on the franz-go family's token-at-a-time
// decoding idiom (kmsg response parsing reads length-prefixed fields
// incrementally); here the decoder is encoding/json.Decoder.Token, the
// standard-library primitive for exactly this resumable-token walk — no
// example repo carries a streaming-JSON library, and hand-rolling a
// replacement for Decoder.Token would just reimplement the stdlib scanner
// worse, so this reader stays on stdlib JSON by deliberate choice (see
// DESIGN.md).
type RowReader struct {
	dec    *json.Decoder
	closer io.Closer

	mu       sync.Mutex
	state    rowState
	read     bool
	metadata map[string]json.RawMessage
	errs     json.RawMessage
	warnings json.RawMessage
	closeOnce sync.Once
	failErr  error
}

// NewRowReader wraps body, the HTTP response body carrying the streamed
// JSON document, ready for a single pass over Next.
func NewRowReader(body io.ReadCloser) *RowReader {
	return &RowReader{
		dec:      json.NewDecoder(body),
		closer:   body,
		state:    stateSeekingRows,
		metadata: make(map[string]json.RawMessage),
	}
}

// Next decodes the next row into dst and returns (true, nil). It returns
// (false, nil) at end of stream, (false, err) wrapping ErrParse on a
// terminal parse failure, and (false, ErrStreamAlreadyRead) on a call after
// the pass completed or failed.
func (r *RowReader) Next(dst interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.read && (r.state == stateDone || r.state == stateFailed) {
		return false, ErrStreamAlreadyRead
	}

	switch r.state {
	case stateSeekingRows:
		if err := r.seekRows(); err != nil {
			r.fail(err)
			return false, err
		}
		if r.state == stateDone {
			r.read = true
			return false, nil
		}
		fallthrough
	case stateInRows:
		if r.dec.More() {
			if err := r.dec.Decode(dst); err != nil {
				r.fail(err)
				return false, wrapf(ErrParse, "decoding row: %v", err)
			}
			return true, nil
		}
		// consume the array's closing bracket
		if _, err := r.dec.Token(); err != nil {
			r.fail(err)
			return false, wrapf(ErrParse, "closing rows array: %v", err)
		}
		r.state = stateTailingMeta
		fallthrough
	case stateTailingMeta:
		if err := r.tailMeta(); err != nil {
			r.fail(err)
			return false, err
		}
		r.state = stateDone
		r.read = true
		return false, nil
	default:
		return false, ErrStreamAlreadyRead
	}
}

// seekRows scans top-level fields until it finds "rows", capturing every
// other field into metadata along the way (§4.9).
func (r *RowReader) seekRows() error {
	tok, err := r.dec.Token()
	if err != nil {
		return wrapf(ErrParse, "reading opening token: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return wrapf(ErrParse, "expected top-level object, got %v", tok)
	}

	for r.dec.More() {
		keyTok, err := r.dec.Token()
		if err != nil {
			return wrapf(ErrParse, "reading field name: %v", err)
		}
		key, _ := keyTok.(string)

		if key == "rows" {
			arrTok, err := r.dec.Token()
			if err != nil {
				return wrapf(ErrParse, "reading rows array start: %v", err)
			}
			if d, ok := arrTok.(json.Delim); !ok || d != '[' {
				return wrapf(ErrParse, "expected rows array, got %v", arrTok)
			}
			r.state = stateInRows
			return nil
		}

		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			return wrapf(ErrParse, "reading field %q: %v", key, err)
		}
		r.captureMeta(key, raw)
	}

	// No "rows" field at all: consume the closing brace and treat the
	// whole document as metadata.
	if _, err := r.dec.Token(); err != nil {
		return wrapf(ErrParse, "reading closing token: %v", err)
	}
	r.state = stateDone
	return nil
}

// tailMeta consumes whatever top-level fields follow the rows array.
func (r *RowReader) tailMeta() error {
	for r.dec.More() {
		keyTok, err := r.dec.Token()
		if err != nil {
			return wrapf(ErrParse, "reading trailing field name: %v", err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			return wrapf(ErrParse, "reading trailing field %q: %v", key, err)
		}
		r.captureMeta(key, raw)
	}
	if _, err := r.dec.Token(); err != nil {
		return wrapf(ErrParse, "reading final closing token: %v", err)
	}
	return nil
}

func (r *RowReader) captureMeta(key string, raw json.RawMessage) {
	switch key {
	case "errors":
		r.errs = raw
	case "warnings":
		r.warnings = raw
	default:
		r.metadata[key] = raw
	}
}

func (r *RowReader) fail(err error) {
	r.state = stateFailed
	r.failErr = err
}

// Metadata returns the non-row top-level fields of the document, available
// only once the stream has been fully drained (§4.9); accessing it earlier
// fails with ErrStreamNotDrained.
func (r *RowReader) Metadata() (map[string]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateDone {
		return nil, ErrStreamNotDrained
	}
	return r.metadata, nil
}

// Errors returns the raw "errors" block, if the document carried one, once
// the stream has been fully drained.
func (r *RowReader) Errors() (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateDone {
		return nil, ErrStreamNotDrained
	}
	return r.errs, nil
}

// Warnings returns the raw "warnings" block, if any, once the stream has
// been fully drained.
func (r *RowReader) Warnings() (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateDone {
		return nil, ErrStreamNotDrained
	}
	return r.warnings, nil
}

// Close closes the underlying stream. Idempotent.
func (r *RowReader) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.closer.Close() })
	return err
}

// ClassifyHTTPStatus reports whether an HTTP response with the given status
// code and body should be retried, per §4.9's retryability table.
func ClassifyHTTPStatus(code int, body []byte) bool {
	switch code {
	case 200:
		return false
	case 300, 301, 302, 303, 307:
		return true
	case 408, 409, 412, 416, 417, 502, 503, 504:
		return true
	case 404:
		return !bodySignalsMissingResource(body)
	case 500:
		return !bodySignalsMissingView(body)
	}
	if code >= 400 && code < 500 {
		return false
	}
	return false
}

func bodySignalsMissingResource(body []byte) bool {
	b := normalizeBodyTokens(body)
	if !strings.Contains(b, "not found") {
		return false
	}
	return strings.Contains(b, "missing") || strings.Contains(b, "deleted")
}

func bodySignalsMissingView(body []byte) bool {
	return strings.Contains(normalizeBodyTokens(body), "missing named view")
}

// normalizeBodyTokens lowercases body and maps underscore-joined error
// tokens (the server's actual error-body shape, e.g. "not_found",
// "missing_named_view") onto the space-separated form the matchers above
// test against, so both spellings are recognized.
func normalizeBodyTokens(body []byte) string {
	b := strings.ToLower(string(body))
	b = strings.ReplaceAll(b, "_", " ")
	return b
}
