package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

const (
	defaultTCPPort  = "6465"
	defaultSSHPort  = "6466"
	defaultHTTPPort = "8080"
	webSocketPath   = "/ws"
)

// Transport names, as reported by Connection.Transport.
const (
	TransportTCP       = "tcp"
	TransportSSH       = "ssh"
	TransportWebSocket = "websocket"
)

// serverAddress is a parsed server address.
type serverAddress struct {
	transport string
	host      string
	port      string
	user      string // SSH only
	tls       bool   // wss://
}

func (a serverAddress) hostPort() string {
	return net.JoinHostPort(a.host, a.port)
}

// String renders the address with its scheme, e.g. "ssh://me@host:6466".
func (a serverAddress) String() string {
	switch a.transport {
	case TransportSSH:
		if a.user != "" {
			return fmt.Sprintf("ssh://%s@%s", a.user, a.hostPort())
		}
		return "ssh://" + a.hostPort()
	case TransportWebSocket:
		if a.tls {
			return "wss://" + a.hostPort()
		}
		return "ws://" + a.hostPort()
	default:
		return a.hostPort()
	}
}

// webSocketURL is the endpoint the server serves WebSocket clients on.
func (a serverAddress) webSocketURL() string {
	u := url.URL{Scheme: "ws", Host: a.hostPort(), Path: webSocketPath}
	if a.tls {
		u.Scheme = "wss"
	}
	return u.String()
}

// parseServerAddress accepts host, host:port, tcp://, ssh://[user@] and
// ws:// or wss:// addresses. Missing ports get the transport's default.
func parseServerAddress(raw string) (serverAddress, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return serverAddress{}, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return serverAddress{}, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
	}

	var (
		addr        serverAddress
		defaultPort string
	)
	switch scheme {
	case "tcp":
		addr.transport = TransportTCP
		defaultPort = defaultTCPPort
	case "ssh":
		addr.transport = TransportSSH
		defaultPort = defaultSSHPort
		addr.user = user
		if addr.user == "" {
			addr.user = defaultSSHUser()
		}
	case "ws", "wss":
		addr.transport = TransportWebSocket
		defaultPort = defaultHTTPPort
		addr.tls = scheme == "wss"
	default:
		return serverAddress{}, fmt.Errorf("unsupported server scheme %q", scheme)
	}

	host, port, err := splitHostPortWithDefault(hostPort, defaultPort)
	if err != nil {
		return serverAddress{}, err
	}
	addr.host = host
	addr.port = port
	return addr, nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		if host == "" {
			return "", "", errors.New("missing host in server address")
		}
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

// defaultSSHUser only names the SSH login; the server ignores it.
func defaultSSHUser() string {
	if user := os.Getenv("SISTCHAT_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}
