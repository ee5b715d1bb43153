// Package testutil provides a mock Service Explorer API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// AnyOffset matches every page of a collection in the failure setters.
const AnyOffset = -1

// defaultLimit is used when a request carries no limit parameter.
const defaultLimit = 1000

type failure struct {
	offset int
	status int
}

// MockSvcExp serves a policy listing and per-policy settings with
// limit/offset pagination.
type MockSvcExp struct {
	server *httptest.Server
	mu     sync.RWMutex

	service string
	msID    string

	// Token, when set, must arrive as "Authorization: Session <Token>".
	token string

	// absoluteNext makes "next" links absolute instead of origin-relative.
	absoluteNext bool

	policies        []any
	policiesFailure *failure
	settings        map[string][]any
	settingsFailure map[string]failure

	requests []string
}

// NewMockSvcExp starts a mock for service/msID.
func NewMockSvcExp(service, msID string) *MockSvcExp {
	mock := &MockSvcExp{
		service:         service,
		msID:            msID,
		settings:        make(map[string][]any),
		settingsFailure: make(map[string]failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(mock.PolicyListPath(), mock.handlePolicies)
	mux.HandleFunc(mock.PolicySettingsPath(), mock.handleSettings)

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests = append(mock.requests, r.URL.RequestURI())
		token := mock.token
		mock.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Session "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid session"})
			return
		}

		mux.ServeHTTP(w, r)
	}))

	return mock
}

// URL returns the mock server origin.
func (m *MockSvcExp) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSvcExp) Close() {
	m.server.Close()
}

// PolicyListPath returns the listing path.
func (m *MockSvcExp) PolicyListPath() string {
	return fmt.Sprintf("/api/v1/%s/svcexp/%s/policy/", m.service, m.msID)
}

// PolicySettingsPath returns the settings path.
func (m *MockSvcExp) PolicySettingsPath() string {
	return m.PolicyListPath() + "policy_settings/"
}

// RequireToken rejects requests without the given session token.
func (m *MockSvcExp) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// UseAbsoluteNext switches "next" links to absolute URLs.
func (m *MockSvcExp) UseAbsoluteNext(absolute bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.absoluteNext = absolute
}

// SetPolicies sets the listing contents.
func (m *MockSvcExp) SetPolicies(policies ...map[string]any) {
	m.SetPolicyItems(toItems(policies)...)
}

// SetPolicyItems sets the listing contents to arbitrary JSON values.
func (m *MockSvcExp) SetPolicyItems(items ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = items
}

// SetSettings sets the settings returned for one policy.
func (m *MockSvcExp) SetSettings(category, id string, settings ...map[string]any) {
	m.SetSettingItems(category, id, toItems(settings)...)
}

// SetSettingItems sets one policy's settings to arbitrary JSON values.
func (m *MockSvcExp) SetSettingItems(category, id string, items ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settingsKey(category, id)] = items
}

func toItems(objects []map[string]any) []any {
	items := make([]any, len(objects))
	for i, o := range objects {
		items[i] = o
	}
	return items
}

// FailPolicies answers listing pages at offset (or AnyOffset) with status.
func (m *MockSvcExp) FailPolicies(offset, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policiesFailure = &failure{offset: offset, status: status}
}

// FailSettings answers one policy's settings pages at offset (or AnyOffset) with status.
func (m *MockSvcExp) FailSettings(category, id string, offset, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settingsFailure[settingsKey(category, id)] = failure{offset: offset, status: status}
}

// Requests returns the request URIs received so far, in order.
func (m *MockSvcExp) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.requests...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSvcExp) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

func (m *MockSvcExp) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != m.PolicyListPath() {
		http.NotFound(w, r)
		return
	}

	m.mu.RLock()
	items := m.policies
	fail := m.policiesFailure
	m.mu.RUnlock()

	m.servePage(w, r, items, fail)
}

func (m *MockSvcExp) handleSettings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("ordering") != "-criticality,setting" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "unexpected ordering " + q.Get("ordering")})
		return
	}

	key := settingsKey(q.Get("policy_category"), q.Get("policy_id"))

	m.mu.RLock()
	items := m.settings[key]
	var fail *failure
	if f, ok := m.settingsFailure[key]; ok {
		fail = &f
	}
	m.mu.RUnlock()

	m.servePage(w, r, items, fail)
}

// servePage writes the limit/offset slice of items with a next link.
func (m *MockSvcExp) servePage(w http.ResponseWriter, r *http.Request, items []any, fail *failure) {
	q := r.URL.Query()

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad limit"})
			return
		}
		limit = n
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad offset"})
			return
		}
		offset = n
	}

	if fail != nil && (fail.offset == AnyOffset || fail.offset == offset) {
		writeJSON(w, fail.status, map[string]string{"detail": http.StatusText(fail.status)})
		return
	}

	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	page := []any{}
	if offset < len(items) {
		page = items[offset:end]
	}

	var next any
	if end < len(items) {
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(end))
		link := r.URL.Path + "?" + q.Encode()

		m.mu.RLock()
		if m.absoluteNext {
			link = m.server.URL + link
		}
		m.mu.RUnlock()

		next = link
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(items),
		"next":     next,
		"previous": nil,
		"results":  page,
	})
}

func settingsKey(category, id string) string {
	return category + "/" + id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
