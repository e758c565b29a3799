package api

import (
	"context"
	"sync"
)

// MockBackend is a test double for Backend.
// Each method can be overridden with a custom function.
// If not overridden, methods return sensible defaults.
// Thread-safe for use in concurrent tests.
type MockBackend struct {
	RegisterFunc   func(ctx context.Context, creds Credentials) error
	LoginFunc      func(ctx context.Context, creds Credentials) (string, error)
	PredictFunc    func(ctx context.Context, token string, file File) (*Prediction, error)
	HistoryFunc    func(ctx context.Context, token string) ([]Upload, error)
	FetchImageFunc func(ctx context.Context, path string) ([]byte, error)

	mu sync.Mutex

	// Calls tracks all method invocations for assertions
	Calls []MockCall
}

// MockCall records a method call for test assertions.
type MockCall struct {
	Method string
	Args   []any
}

// Ensure MockBackend implements Backend
var _ Backend = (*MockBackend)(nil)

func (m *MockBackend) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// CallCount returns how many times method was invoked.
func (m *MockBackend) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// TotalCalls returns the number of recorded invocations of any method.
func (m *MockBackend) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *MockBackend) Register(ctx context.Context, creds Credentials) error {
	m.record("Register", creds.Email)
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, creds)
	}
	return nil
}

func (m *MockBackend) Login(ctx context.Context, creds Credentials) (string, error) {
	m.record("Login", creds.Email)
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, creds)
	}
	return "mock-token", nil
}

func (m *MockBackend) Predict(ctx context.Context, token string, file File) (*Prediction, error) {
	m.record("Predict", token, file.Name)
	if m.PredictFunc != nil {
		return m.PredictFunc(ctx, token, file)
	}
	return &Prediction{Prediction: "NEUTRAL", Confidence: 0.5}, nil
}

func (m *MockBackend) History(ctx context.Context, token string) ([]Upload, error) {
	m.record("History", token)
	if m.HistoryFunc != nil {
		return m.HistoryFunc(ctx, token)
	}
	return []Upload{}, nil
}

func (m *MockBackend) FetchImage(ctx context.Context, path string) ([]byte, error) {
	m.record("FetchImage", path)
	if m.FetchImageFunc != nil {
		return m.FetchImageFunc(ctx, path)
	}
	return []byte{}, nil
}
