package auth

import "sync"

// MockStore is an in-memory CredentialStore for tests. Set one of the *Error
// fields to make that operation fail.
type MockStore struct {
	StoreError    error
	RetrieveError error
	ListError     error
	DeleteError   error

	mu    sync.Mutex
	byKey map[string]Account
	order []string
	calls []string
}

func NewMockStore() *MockStore {
	return &MockStore{byKey: make(map[string]Account)}
}

func (m *MockStore) record(op string, injected error) error {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	m.mu.Unlock()
	return injected
}

func (m *MockStore) Store(account *Account) error {
	if err := m.record("store", m.StoreError); err != nil {
		return err
	}
	if account == nil || account.Name == "" {
		return ErrInvalidCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[account.Name]; !ok {
		m.order = append(m.order, account.Name)
	}
	m.byKey[account.Name] = *account
	return nil
}

func (m *MockStore) Retrieve(name string) (*Account, error) {
	if err := m.record("retrieve", m.RetrieveError); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byKey[name]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return &a, nil
}

// List returns accounts in insertion order
func (m *MockStore) List() ([]*Account, error) {
	if err := m.record("list", m.ListError); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.order))
	for _, name := range m.order {
		a := m.byKey[name]
		out = append(out, &a)
	}
	return out, nil
}

func (m *MockStore) Delete(name string) error {
	if err := m.record("delete", m.DeleteError); err != nil {
		return err
	}
	if name == "" {
		return ErrInvalidCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[name]; !ok {
		return ErrCredentialsNotFound
	}
	delete(m.byKey, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockStore) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byKey[name]
	return ok
}

// Count returns the number of stored accounts
func (m *MockStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Calls returns the operations invoked so far, e.g. ["store", "retrieve"]
func (m *MockStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// NewMockManager returns a Manager backed only by a MockStore
func NewMockManager() (*Manager, *MockStore) {
	s := NewMockStore()
	return NewManagerWithStores(s), s
}
