package cw

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// MockServer provides a fake ConnectWise API for testing. Collections hold
// raw JSON records so tests can seed malformed data; the conditions query
// parameter is evaluated against them and results are paged like the
// remote does.
type MockServer struct {
	*httptest.Server

	Credentials Credentials

	mu          sync.RWMutex
	codebase    string
	probeStatus int
	probes      int
	collections map[string][]json.RawMessage
	failures    map[string]map[int]*injectedFailure
	requests    []RecordedRequest
}

// RecordedRequest is one collection request as seen by the mock.
type RecordedRequest struct {
	Path  string
	Query url.Values
}

type injectedFailure struct {
	status    int
	remaining int // < 0 means every request fails
}

// NewMockServer creates a mock API that reports codebase "v2025_1/".
func NewMockServer() *MockServer {
	m := &MockServer{
		Credentials: Credentials{
			ClientID:   "test-client",
			PublicKey:  "pub",
			PrivateKey: "priv",
			CompanyID:  "acme",
		},
		codebase:    "v2025_1/",
		probeStatus: http.StatusOK,
		collections: make(map[string][]json.RawMessage),
		failures:    make(map[string]map[int]*injectedFailure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login/companyinfo/", m.handleCompanyInfo)
	mux.HandleFunc("/", m.handleCollection)

	m.Server = httptest.NewServer(mux)
	return m
}

// Options returns client options pointed at the mock with its credentials.
func (m *MockServer) Options() Options {
	return Options{
		BaseURL:     m.URL,
		Credentials: m.Credentials,
		MaxRetries:  -1,
	}
}

// SetCodebase changes the codebase the company info endpoint reports.
func (m *MockServer) SetCodebase(cb string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codebase = cb
}

// SetProbeStatus makes the company info endpoint answer with status.
func (m *MockServer) SetProbeStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeStatus = status
}

// Add appends records to the collection at path (e.g. PathTickets).
// Records are marshaled as-is.
func (m *MockServer) Add(path string, records ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			panic(fmt.Sprintf("mock: marshal record: %v", err))
		}
		m.collections[path] = append(m.collections[path], raw)
	}
}

// AddRaw appends a literal JSON object to the collection at path.
func (m *MockServer) AddRaw(path, record string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[path] = append(m.collections[path], json.RawMessage(record))
}

// FailPage makes requests for page of path answer with status. times < 0
// fails every request; otherwise only the next times requests fail.
func (m *MockServer) FailPage(path string, page, status, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[path] == nil {
		m.failures[path] = make(map[int]*injectedFailure)
	}
	m.failures[path][page] = &injectedFailure{status: status, remaining: times}
}

// ClearFailures removes every injected failure.
func (m *MockServer) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]map[int]*injectedFailure)
}

// Requests returns the collection requests made for path so far.
func (m *MockServer) Requests(path string) []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RecordedRequest
	for _, r := range m.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// ResetRequests clears the request log.
func (m *MockServer) ResetRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// Probes returns how many company info requests were made.
func (m *MockServer) Probes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.probes
}

func (m *MockServer) handleCompanyInfo(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.probes++
	status, codebase := m.probeStatus, m.codebase
	m.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}
	writeJSON(w, companyInfo{Codebase: codebase, VersionCode: "v2025.1", CompanyName: "Acme MSP"})
}

func (m *MockServer) handleCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.authorized(r) {
		http.Error(w, `{"code":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	m.mu.RLock()
	prefix := "/" + m.codebase + apiVersionPath
	m.mu.RUnlock()

	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)

	query := r.URL.Query()
	page := intParam(query, "page", 1)
	pageSize := intParam(query, "pageSize", 25)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{Path: path, Query: query})
	if f := m.failures[path][page]; f != nil && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		m.mu.Unlock()
		http.Error(w, "injected failure", f.status)
		return
	}
	records := append([]json.RawMessage(nil), m.collections[path]...)
	m.mu.Unlock()

	match, err := parseConditions(query.Get("conditions"))
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"code":"InvalidObject","message":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	matched := make([]json.RawMessage, 0, len(records))
	for _, raw := range records {
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if match(rec) {
			matched = append(matched, raw)
		}
	}

	start := (page - 1) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	writeJSON(w, matched[start:end])
}

func (m *MockServer) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return user == m.Credentials.CompanyID+"+"+m.Credentials.PublicKey &&
		pass == m.Credentials.PrivateKey &&
		r.Header.Get("clientId") == m.Credentials.ClientID
}

func intParam(q url.Values, key string, def int) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
