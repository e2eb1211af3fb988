package transport

import (
	"net"

	"golang.org/x/crypto/ssh"
)

// SSHChannelConn is an SSH session channel together with the address of
// the connection it belongs to. Channels have no deadlines.
type SSHChannelConn struct {
	ssh.Channel
	remote net.Addr
}

func NewSSHChannelConn(ch ssh.Channel, remote net.Addr) *SSHChannelConn {
	return &SSHChannelConn{Channel: ch, remote: remote}
}

func (c *SSHChannelConn) RemoteAddr() net.Addr {
	return c.remote
}
