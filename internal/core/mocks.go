package core

import (
	"net/http"
	"sync"
	"time"

	"eventbroker/internal/types"
)

// --- MockAuthenticator ---

// MockAuthenticator implements the Authenticator interface for testing.
// It returns Principal, or Err when set, and records every call.
//
// Usage:
//
//	mock := &MockAuthenticator{
//	    Principal: &types.Principal{Subject: "1234", Email: "push@example.iam.gserviceaccount.com", Verified: true},
//	}
//
// To simulate a rejected push:
//
//	mock := &MockAuthenticator{
//	    Err: types.NewAppError(types.ErrCodeAuthTokenInvalid, "unauthorized", nil),
//	}
type MockAuthenticator struct {
	Principal *types.Principal
	Err       error

	// AuthenticateFunc, when set, overrides Principal and Err.
	AuthenticateFunc func(r *http.Request) (*types.Principal, error)

	mu    sync.Mutex
	Calls int
}

// Authenticate implements the Authenticator interface.
func (m *MockAuthenticator) Authenticate(r *http.Request) (*types.Principal, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(r)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Principal, nil
}

// --- MockMetricsCollector ---

// RequestMetric is one RecordRequest invocation.
type RequestMetric struct {
	Method, Endpoint, Status string
	Duration                 time.Duration
}

// MockMetricsCollector records RecordRequest calls.
type MockMetricsCollector struct {
	mu       sync.Mutex
	Requests []RequestMetric
}

func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RequestMetric{Method: method, Endpoint: endpoint, Status: status, Duration: d})
}

// Snapshot returns a copy of the recorded calls.
func (m *MockMetricsCollector) Snapshot() []RequestMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RequestMetric(nil), m.Requests...)
}

// Compile-time interface assertions.
var (
	_ Authenticator    = (*MockAuthenticator)(nil)
	_ MetricsCollector = (*MockMetricsCollector)(nil)
)
