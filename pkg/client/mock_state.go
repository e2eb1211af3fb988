package client

import "sync"

// MockState is an in-memory StateStore for tests.
type MockState struct {
	mu sync.RWMutex

	username string
	servers  []string

	setErr error
}

func NewMockState() *MockState {
	return &MockState{}
}

func (s *MockState) GetLastUsername() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *MockState) SetLastUsername(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.username = username
	return nil
}

func (s *MockState) GetLastServer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.servers) == 0 {
		return ""
	}
	return s.servers[len(s.servers)-1]
}

func (s *MockState) SaveSuccessfulConnection(address, transport string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.servers = append(s.servers, address)
	return nil
}

func (s *MockState) Close() error {
	return nil
}

// SetError makes every following write fail with err.
func (s *MockState) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

var _ StateStore = (*MockState)(nil)
