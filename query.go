package gocbx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

const defaultQueryTimeout = 75000 * time.Millisecond

// queryControls is the common "ctl" block every service request carries
// (§4.10): a timeout and, where the service supports it, a consistency
// vector.
type queryControls struct {
	TimeoutMs        int64           `json:"timeout"`
	ConsistencyToken json.RawMessage `json:"consistency_token,omitempty"`
}

// N1qlRequest builds a N1QL query body.
type N1qlRequest struct {
	Statement        string
	Args             []interface{}
	NamedArgs        map[string]interface{}
	Timeout          time.Duration
	ConsistencyToken json.RawMessage
}

func (q *N1qlRequest) service() QueryService { return ServiceN1QL }

func (q *N1qlRequest) path() string { return "/query/service" }

func (q *N1qlRequest) body(clientContextID string) ([]byte, error) {
	doc := map[string]interface{}{
		"statement":         q.Statement,
		"client_context_id": clientContextID,
		"timeout":           fmt.Sprintf("%dms", timeoutMs(q.Timeout)),
	}
	if len(q.Args) > 0 {
		doc["args"] = q.Args
	}
	for k, v := range q.NamedArgs {
		doc["$"+k] = v
	}
	if q.ConsistencyToken != nil {
		doc["scan_vectors"] = q.ConsistencyToken
	}
	return json.Marshal(doc)
}

// AnalyticsRequest builds an Analytics query body.
type AnalyticsRequest struct {
	Statement string
	Args      []interface{}
	Timeout   time.Duration
}

func (q *AnalyticsRequest) service() QueryService { return ServiceAnalytics }
func (q *AnalyticsRequest) path() string          { return "/analytics/service" }
func (q *AnalyticsRequest) body(clientContextID string) ([]byte, error) {
	doc := map[string]interface{}{
		"statement":         q.Statement,
		"client_context_id": clientContextID,
		"timeout":           fmt.Sprintf("%dms", timeoutMs(q.Timeout)),
	}
	if len(q.Args) > 0 {
		doc["args"] = q.Args
	}
	return json.Marshal(doc)
}

// ViewRequest builds a design-document view query.
type ViewRequest struct {
	DesignDocument string
	ViewName       string
	Query          map[string]string
	Timeout        time.Duration
}

func (q *ViewRequest) service() QueryService { return ServiceViews }
func (q *ViewRequest) path() string {
	return fmt.Sprintf("/_design/%s/_view/%s", q.DesignDocument, q.ViewName)
}
func (q *ViewRequest) body(string) ([]byte, error) { return nil, nil }

// SearchSort is a recognized object shape for a SearchRequest.Sort element
// (§6): a plain field-name string (prefix "-" for descending) is also
// accepted directly, without wrapping it in this type.
type SearchSort interface {
	searchSortJSON() interface{}
}

// IdSearchSort sorts search hits by document ID.
type IdSearchSort struct{}

func (IdSearchSort) searchSortJSON() interface{} { return map[string]string{"by": "id"} }

// FieldSearchSort sorts by a named field, matching the `{by:"field", ...}`
// SearchSort shape beyond the bare string form.
type FieldSearchSort struct {
	Field      string
	Descending bool
}

func (f FieldSearchSort) searchSortJSON() interface{} {
	return map[string]interface{}{"by": "field", "field": f.Field, "desc": f.Descending}
}

// SearchHighlight controls result-snippet highlighting (§6 `highlight{style,fields}`).
type SearchHighlight struct {
	Style  string
	Fields []string
}

// SearchRequest builds a Full Text Search (FTS) query body. Sort elements
// may be bare field-name strings (prefix "-" for descending) or a
// SearchSort implementation such as IdSearchSort; both are recognized by
// §6.
type SearchRequest struct {
	IndexName string
	Query     map[string]interface{}
	Timeout   time.Duration
	Sort      []interface{}
	Size      int
	From      int
	Highlight *SearchHighlight
	Fields    []string
	Facets    map[string]interface{}
	Explain   bool
}

func (q *SearchRequest) service() QueryService { return ServiceSearch }
func (q *SearchRequest) path() string          { return fmt.Sprintf("/api/index/%s/query", q.IndexName) }
func (q *SearchRequest) body(clientContextID string) ([]byte, error) {
	doc := map[string]interface{}{
		"query": q.Query,
		"ctl": queryControls{
			TimeoutMs: timeoutMs(q.Timeout),
		},
	}
	if len(q.Sort) > 0 {
		doc["sort"] = sortJSON(q.Sort)
	}
	if q.Size > 0 {
		doc["size"] = q.Size
	}
	if q.From > 0 {
		doc["from"] = q.From
	}
	if q.Highlight != nil {
		doc["highlight"] = map[string]interface{}{
			"style":  q.Highlight.Style,
			"fields": q.Highlight.Fields,
		}
	}
	if len(q.Fields) > 0 {
		doc["fields"] = q.Fields
	}
	if len(q.Facets) > 0 {
		doc["facets"] = q.Facets
	}
	if q.Explain {
		doc["explain"] = q.Explain
	}
	return json.Marshal(doc)
}

// sortJSON resolves each sort element to its wire shape: a bare string
// passes through unchanged, a SearchSort is asked for its JSON shape, and
// anything else (an arbitrary JSON-marshalable object, per §6) passes
// through as-is.
func sortJSON(sort []interface{}) []interface{} {
	out := make([]interface{}, len(sort))
	for i, s := range sort {
		if ss, ok := s.(SearchSort); ok {
			out[i] = ss.searchSortJSON()
			continue
		}
		out[i] = s
	}
	return out
}

func timeoutMs(d time.Duration) int64 {
	if d <= 0 {
		return defaultQueryTimeout.Milliseconds()
	}
	return d.Milliseconds()
}

// QueryRequest is implemented by every typed request builder (§4.10).
type QueryRequest interface {
	service() QueryService
	path() string
	body(clientContextID string) ([]byte, error)
}

// QueryClient is the query-service entry point (C10): it serializes a
// typed request, picks a node via C16's selector, issues the HTTP request,
// and hands the response stream to C9's RowReader.
type QueryClient struct {
	HTTPClient *http.Client
	Map        *ClusterMapRef
	Selector   querySelector
	Username   string
	Password   string
	TLS        bool
}

// NewQueryClient builds a QueryClient bound to a shared cluster map.
func NewQueryClient(m *ClusterMapRef, username, password string, tls bool) *QueryClient {
	return &QueryClient{
		HTTPClient: &http.Client{},
		Map:        m,
		Username:   username,
		Password:   password,
		TLS:        tls,
	}
}

// Execute runs req against a selected query node and returns a RowReader
// over the streamed response (§4.10). The caller owns the returned reader
// and must Close it.
func (c *QueryClient) Execute(ctx context.Context, req QueryRequest) (*RowReader, error) {
	contextID := uuid.NewString()

	m := c.Map.Load()
	if m == nil {
		return nil, ErrNoMap
	}
	candidates := m.QueryNodes(req.service())
	selectKey := contextID
	switch r := req.(type) {
	case *SearchRequest:
		selectKey = r.IndexName
	case *ViewRequest:
		selectKey = r.DesignDocument
	}
	nodeIdx := c.Selector.Pick(selectKey, candidates)
	if nodeIdx < 0 || nodeIdx >= len(m.Nodes) {
		return nil, ErrNoNode
	}
	node := m.Nodes[nodeIdx]

	port, scheme := c.portAndScheme(node, req.service())
	if port == 0 {
		return nil, wrapf(ErrFeatureUnsupported, "node %s has no port for service", node.Host)
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, node.Host, port, req.path())

	bodyBytes, err := req.body(contextID)
	if err != nil {
		return nil, wrapf(ErrParse, "encoding query body: %v", err)
	}

	method := http.MethodGet
	var reader *bytes.Reader
	if len(bodyBytes) > 0 {
		method = http.MethodPost
		reader = bytes.NewReader(bodyBytes)
	} else {
		reader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if len(bodyBytes) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.Username != "" {
		httpReq.SetBasicAuth(c.Username, c.Password)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, wrapf(ErrConnectionLost, "query request: %v", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		body := drainLimited(resp.Body, 4096)
		return nil, &HTTPStatusError{Code: resp.StatusCode, Body: body}
	}

	body, err := gzipDecodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, wrapf(ErrProtocolViolation, "gzip response body: %v", err)
	}
	return NewRowReader(body), nil
}

// gzipDecodeBody transparently unwraps a gzip-encoded response body, the
// cluster-manager's streaming endpoints support for large result sets.
// Go's own http.Transport only auto-decompresses responses it compressed
// the request for itself; once a caller sets its own Accept-Encoding
// header (done above, so large chunked streams aren't buffered whole by
// the transport first) that auto-handling is disabled and decoding becomes
// the caller's job.
func gzipDecodeBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, err
	}
	return &gzipReadCloser{zr: zr, body: resp.Body}, nil
}

type gzipReadCloser struct {
	zr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	zerr := g.zr.Close()
	berr := g.body.Close()
	if zerr != nil {
		return zerr
	}
	return berr
}

func (c *QueryClient) portAndScheme(n NodeInfo, svc QueryService) (int, string) {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	switch svc {
	case ServiceN1QL:
		return n.QueryPort, scheme
	case ServiceSearch:
		return n.SearchPort, scheme
	case ServiceAnalytics:
		return n.AnalyticsPort, scheme
	case ServiceViews:
		return n.ViewPort, scheme
	}
	return 0, scheme
}

func drainLimited(r io.Reader, limit int) []byte {
	buf := make([]byte, limit)
	n, _ := r.Read(buf)
	return buf[:n]
}
