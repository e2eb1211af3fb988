package client

import (
	"context"

	"github.com/aeolun/sistchat/pkg/protocol"
)

// ChatClient is the connection surface the terminal UI and tools use.
// *Connection implements it; MockConnection stands in for it in tests.
type ChatClient interface {
	Register(ctx context.Context, username string) error
	ListUsers(ctx context.Context, target string) (string, error)
	Broadcast(ctx context.Context, content string) error
	SendPrivate(ctx context.Context, to, content string) error
	ChangeStatus(ctx context.Context, state protocol.UserState) error
	UserInfo(ctx context.Context, username string) (string, error)
	Disconnect(ctx context.Context) error

	Deliveries() <-chan protocol.Message
	Notices() <-chan protocol.Answer
	Done() <-chan struct{}
	Err() error
	Close() error

	Username() string
	Address() string
	Transport() string
}

// StateStore persists client preferences between runs.
type StateStore interface {
	GetLastUsername() string
	SetLastUsername(username string) error
	GetLastServer() string
	SaveSuccessfulConnection(address, transport string) error
	Close() error
}

var (
	_ ChatClient = (*Connection)(nil)
	_ ChatClient = (*MockConnection)(nil)
	_ StateStore = (*State)(nil)
)
