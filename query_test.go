package gocbx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchRequestSortStrings(t *testing.T) {
	req := &SearchRequest{
		IndexName: "idx",
		Query:     map[string]interface{}{"match": "x"},
		Sort:      []interface{}{"name", "-age"},
	}
	raw, err := req.body("ctx-1")
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.JSONEq(t, `["name","-age"]`, string(doc["sort"]))
	require.JSONEq(t, `{"timeout":75000}`, string(doc["ctl"]))
}

func TestSearchRequestSortIdSearchSort(t *testing.T) {
	req := &SearchRequest{
		IndexName: "idx",
		Query:     map[string]interface{}{"match": "x"},
		Sort:      []interface{}{IdSearchSort{}},
	}
	raw, err := req.body("ctx-1")
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.JSONEq(t, `[{"by":"id"}]`, string(doc["sort"]))
}

func TestSearchRequestOmitsUnsetOptionalFields(t *testing.T) {
	req := &SearchRequest{IndexName: "idx", Query: map[string]interface{}{"match": "x"}}
	raw, err := req.body("ctx-1")
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.NotContains(t, doc, "sort")
	require.NotContains(t, doc, "size")
	require.NotContains(t, doc, "from")
	require.NotContains(t, doc, "highlight")
	require.NotContains(t, doc, "fields")
	require.NotContains(t, doc, "facets")
	require.NotContains(t, doc, "explain")
}

func TestSearchRequestIncludesSetOptionalFields(t *testing.T) {
	req := &SearchRequest{
		IndexName: "idx",
		Query:     map[string]interface{}{"match": "x"},
		Size:      10,
		From:      5,
		Highlight: &SearchHighlight{Style: "html", Fields: []string{"title"}},
		Fields:    []string{"title", "body"},
		Facets:    map[string]interface{}{"byType": map[string]interface{}{"field": "type"}},
		Explain:   true,
	}
	raw, err := req.body("ctx-1")
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.JSONEq(t, `10`, string(doc["size"]))
	require.JSONEq(t, `5`, string(doc["from"]))
	require.JSONEq(t, `{"style":"html","fields":["title"]}`, string(doc["highlight"]))
	require.JSONEq(t, `["title","body"]`, string(doc["fields"]))
	require.JSONEq(t, `true`, string(doc["explain"]))
}

func TestN1qlRequestBodyIncludesStatementAndContextID(t *testing.T) {
	req := &N1qlRequest{Statement: "select 1"}
	raw, err := req.body("ctx-42")
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "select 1", doc["statement"])
	require.Equal(t, "ctx-42", doc["client_context_id"])
	require.Equal(t, "75000ms", doc["timeout"])
}
