// Package testutil provides a mock content stack for tests.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
	"github.com/goccy/go-json"
)

// MockStackResponse defines one scripted response.
type MockStackResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Call is one request received by the mock.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// SyncItem is one change feed item served by the mock.
type SyncItem struct {
	Type        string
	ContentType string
	Entity      work.Entity
}

// MockStack is a configurable mock of the management and delivery APIs.
// Listing endpoints serve the entries, assets and sync pages added to it;
// publish endpoints answer 200 unless scripted or told to fail a uid.
type MockStack struct {
	server *httptest.Server

	mu           sync.Mutex
	handlers     map[string]http.HandlerFunc
	scripts      map[string][]MockStackResponse
	contentTypes []string
	entries      map[string][]work.Entity
	assets       map[string][]work.Entity
	syncPages    [][]SyncItem
	failUIDs     map[string]bool
	calls        []Call
}

// NewMockStack starts a mock stack server.
func NewMockStack() *MockStack {
	m := &MockStack{
		handlers: make(map[string]http.HandlerFunc),
		scripts:  make(map[string][]MockStackResponse),
		entries:  make(map[string][]work.Entity),
		assets:   make(map[string][]work.Entity),
		failUIDs: make(map[string]bool),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockStack) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockStack) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockStack) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Script queues responses for path. Each request to path consumes one;
// once drained the path falls back to its normal behaviour.
func (m *MockStack) Script(path string, responses ...MockStackResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append(m.scripts[path], responses...)
}

// AddEntries adds entries to a content type.
func (m *MockStack) AddEntries(contentType string, entries ...work.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[contentType]; !ok {
		m.contentTypes = append(m.contentTypes, contentType)
	}
	m.entries[contentType] = append(m.entries[contentType], entries...)
}

// AddAssets adds assets or folders (IsDir) to a folder; "" is the root.
func (m *MockStack) AddAssets(folder string, assets ...work.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if folder == "" {
		folder = "cs_root"
	}
	m.assets[folder] = append(m.assets[folder], assets...)
}

// AddSyncPage appends one page to the change feed.
func (m *MockStack) AddSyncPage(items ...SyncItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncPages = append(m.syncPages, items)
}

// FailUID makes every publish request naming uid in its path or body
// answer 422.
func (m *MockStack) FailUID(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUIDs[uid] = true
}

// ClearFailures undoes every FailUID.
func (m *MockStack) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUIDs = make(map[string]bool)
}

// Calls returns every request received so far.
func (m *MockStack) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// PublishCalls returns the POST requests received so far.
func (m *MockStack) PublishCalls() []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == http.MethodPost {
			out = append(out, c)
		}
	}
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockStack) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockStack) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.calls = append(m.calls, Call{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	var scripted *MockStackResponse
	if queue := m.scripts[r.URL.Path]; len(queue) > 0 {
		scripted = &queue[0]
		m.scripts[r.URL.Path] = queue[1:]
	}
	handler := m.handlers[r.URL.Path]
	m.mu.Unlock()

	w.Header().Set("X-RateLimit-Limit", "10")
	w.Header().Set("X-RateLimit-Remaining", "9")

	if scripted != nil {
		writeResponse(w, *scripted)
		return
	}
	if handler != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPost:
		m.publish(w, r.URL.Path, body)
	case r.URL.Path == "/v3/content_types":
		m.listContentTypes(w, r)
	case strings.HasPrefix(r.URL.Path, "/v3/content_types/") && strings.HasSuffix(r.URL.Path, "/entries"):
		ct := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v3/content_types/"), "/entries")
		m.mu.Lock()
		items := m.entries[ct]
		m.mu.Unlock()
		writePage(w, r, "entries", items)
	case r.URL.Path == "/v3/assets":
		folder := r.URL.Query().Get("folder")
		m.mu.Lock()
		items := m.assets[folder]
		m.mu.Unlock()
		writePage(w, r, "assets", items)
	case r.URL.Path == "/v3/stacks/sync":
		m.sync(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error_message": "not found"})
	}
}

func (m *MockStack) publish(w http.ResponseWriter, path string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid := range m.failUIDs {
		if strings.Contains(path, "/"+uid+"/") || bytes.Contains(body, []byte(strconv.Quote(uid))) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error_message": fmt.Sprintf("%s could not be published", uid),
				"error_code":    141,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notice": "The requested action has been performed."})
}

func (m *MockStack) listContentTypes(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	uids := append([]string(nil), m.contentTypes...)
	m.mu.Unlock()

	skip, limit := pageParams(r)
	page := make([]map[string]string, 0, limit)
	for i := skip; i < len(uids) && i < skip+limit; i++ {
		page = append(page, map[string]string{"uid": uids[i]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_types": page, "count": len(uids)})
}

func (m *MockStack) sync(w http.ResponseWriter, r *http.Request) {
	index := 0
	if token := r.URL.Query().Get("pagination_token"); token != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(token, "page-"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error_message": "bad token"})
			return
		}
		index = n
	}

	m.mu.Lock()
	pages := m.syncPages
	m.mu.Unlock()

	var items []map[string]any
	if index < len(pages) {
		for _, it := range pages[index] {
			items = append(items, map[string]any{
				"type":             it.Type,
				"content_type_uid": it.ContentType,
				"data":             it.Entity,
			})
		}
	}

	resp := map[string]any{"items": items}
	if index+1 < len(pages) {
		resp["pagination_token"] = fmt.Sprintf("page-%d", index+1)
	}
	writeJSON(w, http.StatusOK, resp)
}

func pageParams(r *http.Request) (skip, limit int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	return skip, limit
}

func writePage(w http.ResponseWriter, r *http.Request, key string, items []work.Entity) {
	skip, limit := pageParams(r)
	page := []work.Entity{}
	for i := skip; i < len(items) && i < skip+limit; i++ {
		page = append(page, items[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{key: page, "count": len(items)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResponse(w http.ResponseWriter, resp MockStackResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockStackResponse {
	return MockStackResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error_message":"Too many requests","error_code":429}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockStackResponse {
	return MockStackResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error_message":"Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewClientErrorResponse creates a 4xx response with an error body.
func NewClientErrorResponse(status int, message string) MockStackResponse {
	return MockStackResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error_message":%q}`, message),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewOKResponse creates a 200 OK response with a JSON body.
func NewOKResponse(body string) MockStackResponse {
	return MockStackResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// Entities builds n entities with uids prefix-1..prefix-n.
func Entities(prefix string, n int) []work.Entity {
	out := make([]work.Entity, n)
	for i := range out {
		out[i] = work.Entity{UID: fmt.Sprintf("%s-%d", prefix, i+1), Locale: "en-us", Version: 1}
	}
	return out
}
