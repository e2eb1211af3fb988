package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/sistchat/pkg/protocol"
)

// MockConnection is a test implementation of ChatClient. It records every
// call and answers from canned replies.
type MockConnection struct {
	mu sync.RWMutex

	address  string
	username string
	closed   bool

	// Canned results
	requestErr error
	listReply  string
	infoReply  string

	deliveries chan protocol.Message
	notices    chan protocol.Answer
	done       chan struct{}
	closeOnce  sync.Once

	// Calls for verification
	Calls []MockCall
}

// MockCall is one recorded request.
type MockCall struct {
	Method string
	Args   []string
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:    address,
		deliveries: make(chan protocol.Message, 100),
		notices:    make(chan protocol.Answer, 10),
		done:       make(chan struct{}),
	}
}

func (m *MockConnection) record(method string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
	if m.closed {
		return ErrClosed
	}
	return m.requestErr
}

func (m *MockConnection) Register(ctx context.Context, username string) error {
	if err := m.record("Register", username); err != nil {
		return err
	}
	m.mu.Lock()
	m.username = username
	m.mu.Unlock()
	return nil
}

func (m *MockConnection) ListUsers(ctx context.Context, target string) (string, error) {
	if err := m.record("ListUsers", target); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReply, nil
}

func (m *MockConnection) Broadcast(ctx context.Context, content string) error {
	return m.record("Broadcast", content)
}

func (m *MockConnection) SendPrivate(ctx context.Context, to, content string) error {
	return m.record("SendPrivate", to, content)
}

func (m *MockConnection) ChangeStatus(ctx context.Context, state protocol.UserState) error {
	return m.record("ChangeStatus", state.String())
}

func (m *MockConnection) UserInfo(ctx context.Context, username string) (string, error) {
	if err := m.record("UserInfo", username); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.infoReply, nil
}

func (m *MockConnection) Disconnect(ctx context.Context) error {
	err := m.record("Disconnect")
	m.Close()
	return err
}

func (m *MockConnection) Deliveries() <-chan protocol.Message {
	return m.deliveries
}

func (m *MockConnection) Notices() <-chan protocol.Answer {
	return m.notices
}

func (m *MockConnection) Done() <-chan struct{} {
	return m.done
}

func (m *MockConnection) Err() error {
	return nil
}

// Close closes the mock connection
func (m *MockConnection) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

func (m *MockConnection) Username() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.username
}

func (m *MockConnection) Address() string {
	return m.address
}

// Transport is always "tcp" for the mock
func (m *MockConnection) Transport() string {
	return TransportTCP
}

// Test helpers

// SetRequestError makes every following request fail with err.
func (m *MockConnection) SetRequestError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestErr = err
}

// SetListReply sets the text ListUsers returns.
func (m *MockConnection) SetListReply(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listReply = text
}

// SetInfoReply sets the text UserInfo returns.
func (m *MockConnection) SetInfoReply(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoReply = text
}

// SimulateDelivery pushes msg to Deliveries.
func (m *MockConnection) SimulateDelivery(msg protocol.Message) {
	m.deliveries <- msg
}

// SimulateNotice pushes a server notice.
func (m *MockConnection) SimulateNotice(status uint16, content string) {
	m.notices <- *protocol.NewAnswer(status, content)
}

// GetLastCall returns the last recorded call, or error if none
func (m *MockConnection) GetLastCall() (MockCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.Calls) == 0 {
		return MockCall{}, fmt.Errorf("no calls recorded")
	}
	return m.Calls[len(m.Calls)-1], nil
}

// CallCount returns the number of recorded calls
func (m *MockConnection) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Calls)
}
