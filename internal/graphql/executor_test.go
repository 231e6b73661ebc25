package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/restql/restql/internal/core"
	apperrors "github.com/restql/restql/internal/errors"
)

type stubResolver struct {
	mu       sync.Mutex
	requests []core.DispatchRequest
	keys     []string
	results  map[string]core.DispatchResult
}

func newStubResolver() *stubResolver {
	return &stubResolver{results: map[string]core.DispatchResult{}}
}

func (s *stubResolver) on(endpoint string, result core.DispatchResult) *stubResolver {
	s.results[endpoint] = result
	return s
}

func (s *stubResolver) Resolve(ctx context.Context, req core.DispatchRequest, clientKey string) core.DispatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.keys = append(s.keys, clientKey)
	if result, ok := s.results[req.Endpoint]; ok {
		return result
	}
	return core.Success(map[string]any{"endpoint": req.Endpoint}, 1)
}

func newExecutor(t *testing.T, resolver Resolver) *Executor {
	t.Helper()
	exec, err := NewExecutor(Config{Resolver: resolver})
	require.NoError(t, err)
	return exec
}

func encode(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNewExecutorRequiresResolver(t *testing.T) {
	_, err := NewExecutor(Config{})
	assert.Error(t, err)
}

func TestHealthAndTypename(t *testing.T) {
	exec := newExecutor(t, newStubResolver())

	resp := exec.Execute(context.Background(), Request{Query: `{ health __typename }`}, "c")
	require.Empty(t, resp.Errors)

	health, _ := resp.Data.Get("health")
	assert.Equal(t, "OK", health)
	typename, _ := resp.Data.Get("__typename")
	assert.Equal(t, "Query", typename)
}

func TestRestQueryBuildsDispatchRequest(t *testing.T) {
	stub := newStubResolver()
	exec := newExecutor(t, stub)

	resp := exec.Execute(context.Background(), Request{
		Query: `query($id: String = "7") {
			user: restQuery(endpoint: "/users/1", api: "users", headers: {X_Trace: "abc"})
			other: restQuery(endpoint: $id)
		}`,
	}, "client-a")
	require.Empty(t, resp.Errors)
	assert.Equal(t, []string{"user", "other"}, resp.Data.Keys())

	require.Len(t, stub.requests, 2)
	byEndpoint := map[string]core.DispatchRequest{}
	for _, r := range stub.requests {
		byEndpoint[r.Endpoint] = r
	}
	user := byEndpoint["/users/1"]
	assert.Equal(t, "GET", user.Method)
	assert.Equal(t, "users", user.API)
	assert.Equal(t, map[string]string{"X_Trace": "abc"}, user.Headers)
	assert.Nil(t, user.Body)
	assert.Contains(t, byEndpoint, "7")
	assert.Equal(t, []string{"client-a", "client-a"}, stub.keys)
}

func TestHeadersAcceptJSONString(t *testing.T) {
	stub := newStubResolver()
	exec := newExecutor(t, stub)

	resp := exec.Execute(context.Background(), Request{
		Query:     `query($h: String) { restQuery(endpoint: "/x", headers: $h) }`,
		Variables: map[string]any{"h": `{"Authorization":"Bearer t"}`},
	}, "c")
	require.Empty(t, resp.Errors)
	require.Len(t, stub.requests, 1)
	assert.Equal(t, "Bearer t", stub.requests[0].Headers["Authorization"])

	resp = exec.Execute(context.Background(), Request{
		Query: `{ restQuery(endpoint: "/x", headers: "not json") }`,
	}, "c")
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "headers")
}

func TestSelectAndProjection(t *testing.T) {
	stub := newStubResolver().on("/users/1", core.Success(map[string]any{
		"id":    float64(1),
		"name":  "Ada",
		"email": "ada@example.com",
		"address": map[string]any{
			"city": "London",
			"zip":  "N1",
		},
		"roles": []any{map[string]any{"name": "admin", "scope": "all"}},
	}, 1))
	exec := newExecutor(t, stub)

	resp := exec.Execute(context.Background(), Request{Query: `{
		city: restQuery(endpoint: "/users/1", select: "address.city")
		missing: restQuery(endpoint: "/users/1", select: "nope")
		user: restQuery(endpoint: "/users/1") { name mail: email roles { name } }
	}`}, "c")
	require.Empty(t, resp.Errors)

	out := encode(t, resp)
	data := out["data"].(map[string]any)
	assert.Equal(t, "London", data["city"])
	assert.Nil(t, data["missing"])
	assert.Equal(t, map[string]any{
		"name":  "Ada",
		"mail":  "ada@example.com",
		"roles": []any{map[string]any{"name": "admin"}},
	}, data["user"])
}

func TestFieldErrorsKeepSiblingData(t *testing.T) {
	stub := newStubResolver().
		on("/slow", core.DispatchResult{Status: core.StatusTimeout, Detail: "upstream timed out", Attempts: 2, API: "svc"}).
		on("/limited", core.Failure(core.StatusRateLimited, "rate limit exceeded")).
		on("/broken", core.DispatchResult{Status: core.StatusUpstreamError, Detail: "HTTP 500", StatusCode: 500})
	exec := newExecutor(t, stub)

	resp := exec.Execute(context.Background(), Request{Query: `{
		ok: restQuery(endpoint: "/ok")
		slow: restQuery(endpoint: "/slow")
		limited: restQuery(endpoint: "/limited")
		broken: restQuery(endpoint: "/broken")
	}`}, "c")

	require.True(t, resp.HasData())
	assert.Equal(t, []string{"ok", "slow", "limited", "broken"}, resp.Data.Keys())
	require.Len(t, resp.Errors, 3)

	codes := map[string]any{}
	for _, e := range resp.Errors {
		require.Len(t, e.Path, 1)
		codes[string(e.Path[0].(ast.PathName))] = e.Extensions["code"]
		assert.NotEmpty(t, e.Locations)
	}
	assert.Equal(t, map[string]any{
		"slow":    apperrors.CodeTimeout,
		"limited": apperrors.CodeRateLimited,
		"broken":  apperrors.CodeUpstreamError,
	}, codes)

	slow, _ := resp.Data.Get("slow")
	assert.Nil(t, slow)
	assert.Equal(t, "svc", resp.Errors[0].Extensions["api"])
	assert.Equal(t, 500, resp.Errors[2].Extensions["upstreamStatus"])
}

func TestMutationsRunInDocumentOrder(t *testing.T) {
	stub := newStubResolver()
	exec := newExecutor(t, stub)

	resp := exec.Execute(context.Background(), Request{Query: `mutation {
		a: restMutation(endpoint: "/a", method: "POST", body: {name: "x", tags: [1, 2]})
		b: restMutation(endpoint: "/b", method: "DELETE")
		c: restMutation(endpoint: "/c", method: "put")
		__typename
	}`}, "c")
	require.Empty(t, resp.Errors)

	require.Len(t, stub.requests, 3)
	assert.Equal(t, "/a", stub.requests[0].Endpoint)
	assert.Equal(t, "/b", stub.requests[1].Endpoint)
	assert.Equal(t, "/c", stub.requests[2].Endpoint)
	assert.Equal(t, map[string]any{"name": "x", "tags": []any{int64(1), int64(2)}}, stub.requests[0].Body)
	assert.Nil(t, stub.requests[1].Body)
	assert.Equal(t, "put", stub.requests[2].Method)

	typename, _ := resp.Data.Get("__typename")
	assert.Equal(t, "Mutation", typename)
}

func TestDocumentErrors(t *testing.T) {
	tests := map[string]struct {
		req  Request
		want string
	}{
		"empty":             {Request{Query: "  "}, "query is required"},
		"syntax":            {Request{Query: `{ restQuery(`}, ""},
		"ambiguous":         {Request{Query: `query A { health } query B { health }`}, "operationName is required"},
		"unknown operation": {Request{Query: `query A { health }`, OperationName: "B"}, `unknown operation "B"`},
		"subscription":      {Request{Query: `subscription { health }`}, "subscriptions are not supported"},
		"mutation on query": {Request{Query: `{ restMutation(endpoint: "/x", method: "POST") }`}, "only available on mutations"},
		"query on mutation": {Request{Query: `mutation { restQuery(endpoint: "/x") }`}, "not available on mutations"},
		"unknown root":      {Request{Query: `{ users }`}, "unknown root field(s): users"},
		"introspection":     {Request{Query: `{ __schema { types { name } } }`}, "unknown root field(s): __schema"},
		"missing variable":  {Request{Query: `query($e: String!) { restQuery(endpoint: $e) }`}, "variable $e is required"},
		"conflicting alias": {Request{Query: `{ a: health a: __typename }`}, `conflicting selections for "a"`},
		"unknown fragment":  {Request{Query: `{ ...Missing }`}, `unknown fragment "Missing"`},
		"mutation over GET": {Request{Query: `mutation { __typename }`, QueryOnly: true}, "mutations require POST"},
		"skip without bool": {Request{Query: `{ health @skip(if: "yes") }`}, "must be a boolean"},
		"self spread":       {Request{Query: `{ ...F } fragment F on Query { health ...F }`}, `spreads itself`},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			exec := newExecutor(t, newStubResolver())
			resp := exec.Execute(context.Background(), tc.req, "c")
			assert.False(t, resp.HasData())
			require.Len(t, resp.Errors, 1)
			assert.Contains(t, resp.Errors[0].Message, tc.want)
			assert.NotEmpty(t, resp.Errors[0].Extensions["code"])
		})
	}
}

func TestFieldArgumentErrors(t *testing.T) {
	exec := newExecutor(t, newStubResolver())

	resp := exec.Execute(context.Background(), Request{Query: `{
		a: restQuery
		b: restQuery(endpoint: "")
		c: restQuery(endpoint: "/x", body: {a: 1})
		d: restQuery(endpoint: "/x", verb: "GET")
		e: restQuery(endpoint: 5)
	}`}, "c")
	require.True(t, resp.HasData())
	require.Len(t, resp.Errors, 5)
	for _, e := range resp.Errors {
		assert.Equal(t, apperrors.CodeValidationFailed, e.Extensions["code"])
	}

	resp = exec.Execute(context.Background(), Request{Query: `mutation { restMutation(endpoint: "/x") }`}, "c")
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, `"method" is required`)
}

func TestRepeatedFieldsMerge(t *testing.T) {
	exec := newExecutor(t, newStubResolver())

	resp := exec.Execute(context.Background(), Request{Query: `{ health health }`}, "c")
	require.Empty(t, resp.Errors)
	assert.Equal(t, []string{"health"}, resp.Data.Keys())
}

func TestFragmentsAndDirectives(t *testing.T) {
	stub := newStubResolver()
	exec := newExecutor(t, stub)

	resp := exec.Execute(context.Background(), Request{
		Query: `query($withUsers: Boolean!) {
			...Base
			... on Query { posts: restQuery(endpoint: "/posts") }
			users: restQuery(endpoint: "/users") @include(if: $withUsers)
			skipped: restQuery(endpoint: "/skipped") @skip(if: true)
		}
		fragment Base on Query { health }`,
		Variables: map[string]any{"withUsers": false},
	}, "c")
	require.Empty(t, resp.Errors)
	assert.Equal(t, []string{"health", "posts"}, resp.Data.Keys())
	require.Len(t, stub.requests, 1)
	assert.Equal(t, "/posts", stub.requests[0].Endpoint)
}

func TestSelectsNamedOperation(t *testing.T) {
	stub := newStubResolver()
	exec := newExecutor(t, stub)

	resp := exec.Execute(context.Background(), Request{
		Query:         `query A { health } mutation B { restMutation(endpoint: "/b", method: "POST") }`,
		OperationName: "B",
	}, "c")
	require.Empty(t, resp.Errors)
	require.Len(t, stub.requests, 1)
	assert.Equal(t, "/b", stub.requests[0].Endpoint)
}

func TestComplexityLimit(t *testing.T) {
	exec, err := NewExecutor(Config{Resolver: newStubResolver(), MaxComplexity: 10})
	require.NoError(t, err)

	// 2 * 1 + 3 = 5
	resp := exec.Execute(context.Background(), Request{Query: `{ a: health b: health c: health }`}, "c")
	assert.Empty(t, resp.Errors)

	var b strings.Builder
	b.WriteString("{")
	for i := 0; i < 9; i++ {
		b.WriteString(" f")
		b.WriteString(string(rune('a' + i)))
		b.WriteString(": health")
	}
	b.WriteString(" }")
	resp = exec.Execute(context.Background(), Request{Query: b.String()}, "c")
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "query too complex: 11 (max: 10)")
}

func TestComplexityScores(t *testing.T) {
	tests := map[string]struct {
		query string
		want  int
	}{
		"flat":      {`{ health }`, 3},
		"nested":    {`{ restQuery(endpoint: "/x") { a { b } } }`, 2*3 + 3},
		"fragment":  {`{ ...F } fragment F on Query { health restQuery(endpoint: "/y") }`, 2*1 + 2},
		"recursive": {`{ ...F } fragment F on Query { health ...F }`, 2*1 + 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			doc, err := parser.ParseQuery(&ast.Source{Input: tc.query})
			require.NoError(t, err)
			assert.Equal(t, tc.want, Complexity(doc, doc.Operations[0]))
		})
	}
	assert.Zero(t, Complexity(nil, nil))
}

// nestedFragments builds a document where each of n fragments spreads the
// next one twice, so a naive expansion visits 2^n leaves.
func nestedFragments(n int) string {
	var b strings.Builder
	b.WriteString("{ ...F0 }\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "fragment F%d on Query { ...F%d ...F%d }\n", i, i+1, i+1)
	}
	fmt.Fprintf(&b, "fragment F%d on Query { health }\n", n)
	return b.String()
}

func TestComplexityOfNestedFragmentsIsLinear(t *testing.T) {
	doc, err := parser.ParseQuery(&ast.Source{Input: nestedFragments(26)})
	require.NoError(t, err)

	start := time.Now()
	score := Complexity(doc, doc.Operations[0])
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2*1+(1<<26), score)

	doc, err = parser.ParseQuery(&ast.Source{Input: nestedFragments(80)})
	require.NoError(t, err)
	assert.Positive(t, Complexity(doc, doc.Operations[0]), "saturates instead of overflowing")
}

func TestExecuteRejectsNestedFragmentsQuickly(t *testing.T) {
	stub := newStubResolver()
	exec := newExecutor(t, stub)

	start := time.Now()
	resp := exec.Execute(context.Background(), Request{Query: nestedFragments(26)}, "c")
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "query too complex")
	assert.Empty(t, stub.requests)
}

func TestCollectRootFieldsExpandsEachFragmentOnce(t *testing.T) {
	doc, err := parser.ParseQuery(&ast.Source{Input: nestedFragments(40)})
	require.NoError(t, err)

	start := time.Now()
	fields, err := collectRootFields(doc, doc.Operations[0].SelectionSet, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, fields, 1)
	assert.Equal(t, "health", fields[0].key)
}

func TestObjectMarshalKeepsOrder(t *testing.T) {
	obj := &Object{}
	obj.Set("z", 1)
	obj.Set("a", "two")
	obj.Set("z", 3)

	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":3,"a":"two"}`, string(raw))
	assert.Equal(t, `{"z":3,"a":"two"}`, string(raw))

	var nilObj *Object
	raw, err = json.Marshal(nilObj)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func upstreamFailure() core.DispatchResult {
	return core.DispatchResult{Status: core.StatusUpstreamError, Detail: "HTTP 503", StatusCode: 503, Attempts: 3}
}
