package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/aeolun/sistchat/pkg/logx"
	"github.com/aeolun/sistchat/pkg/transport"
	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH listener on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		logx.Debug("SSH server disabled")
		return nil
	}

	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	addr := s.listenAddr(s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.serveSSH(listener, hostKey)
	logx.Info("SSH server listening", "addr", listener.Addr().String())
	return nil
}

// serveSSH accepts SSH connections on listener. There is no
// authentication: the SSH user name means nothing, clients register with
// CreateUser like on any other transport.
func (s *Server) serveSSH(listener net.Listener, hostKey ssh.Signer) {
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-sistchat",
	}
	config.AddHostKey(hostKey)

	s.sshListener = listener

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logx.Error(err, "SSH accept error")
			continue
		}

		if !s.track() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.handleSSHConnection(conn, config)
		}()
	}
}

// handleSSHConnection handles a single SSH connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		logx.Debug("SSH handshake failed", "remote", conn.RemoteAddr().String(), "error", err.Error())
		return
	}
	defer sshConn.Close()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	// The channel loop below only ends when the SSH connection does. On
	// shutdown wait until the sessions have flushed their final answer.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.drained:
			sshConn.Close()
		case <-done:
		}
	}()

	remote := sshConn.RemoteAddr()
	for newChannel := range chans {
		// Only "session" channels carry the chat protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		if !s.track() {
			newChannel.Reject(ssh.ResourceShortage, "server shutting down")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.wg.Done()
			logx.Debug("could not accept SSH channel", "error", err.Error())
			continue
		}

		go handleSSHChannelRequests(requests)
		go func() {
			defer s.wg.Done()
			s.serveSession(transport.NewSSHChannelConn(channel, remote), remote.String(), "ssh")
		}()
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	keyPath, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		logx.Info("loaded SSH host key", "path", keyPath)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	logx.Info("generating new SSH host key", "path", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, privateKeyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	return key, nil
}
