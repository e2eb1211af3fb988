package server

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aeolun/sistchat/pkg/logx"
	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/registry"
)

// noUsersMessage is the list answer when nobody is registered.
const noUsersMessage = "no users connected"

// handleRequest dispatches one decoded request. A nil return keeps the
// session open; any error ends it.
func (s *Server) handleRequest(sess *Session, req protocol.Request) error {
	if sess.State() != stateActive {
		create, ok := req.(*protocol.CreateUserRequest)
		if !ok {
			s.reply(sess, protocol.StatusBadRequest, "registration required")
			return ErrRegistrationRequired
		}
		return s.answerError(sess, s.handleCreateUser(sess, create))
	}

	var err error
	switch r := req.(type) {
	case *protocol.CreateUserRequest:
		err = &RequestError{Status: protocol.StatusBadRequest, Message: "already registered"}
	case *protocol.ListUsersRequest:
		err = s.handleListUsers(sess, r)
	case *protocol.DisconnectRequest:
		return s.handleDisconnect(sess)
	case *protocol.SendMessageRequest:
		err = s.handleSendMessage(sess, r)
	case *protocol.ChangeStatusRequest:
		err = s.handleChangeStatus(sess, r)
	case *protocol.UserInfoRequest:
		err = s.handleUserInfo(sess, r)
	default:
		err = fmt.Errorf("%w: unsupported request 0x%02X", protocol.ErrMalformed, req.Type())
	}
	return s.answerError(sess, err)
}

// answerError turns a rejected request into its single Answer. Only a
// closed session ends the loop.
func (s *Server) answerError(sess *Session, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionClosed) {
		return err
	}

	reqErr := reject(err)
	sess.log().Debug().Err(err).Uint16("status", reqErr.Status).Msg("request rejected")
	return s.reply(sess, reqErr.Status, reqErr.Message)
}

// reply queues the Answer for the current request.
func (s *Server) reply(sess *Session, status uint16, content string) error {
	s.metrics.RecordAnswer(status)
	return sess.Send(protocol.NewAnswer(status, content))
}

func (s *Server) validateUsername(name string) error {
	if name == "" || utf8.RuneCountInString(name) > s.config.MaxUsernameLength {
		return fmt.Errorf("%w: %q", registry.ErrInvalidName, name)
	}
	// Reserved for answers the server sends itself
	if strings.EqualFold(name, protocol.ServerSender) {
		return fmt.Errorf("%w: %q is reserved", registry.ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", registry.ErrInvalidName, name)
		}
	}
	return nil
}

func (s *Server) handleCreateUser(sess *Session, req *protocol.CreateUserRequest) error {
	if err := s.validateUsername(req.Username); err != nil {
		return err
	}

	entry, err := s.registry.Register(req.Username, sess.IP, sess.Port, sess)
	if err != nil {
		return err
	}
	sess.activate(entry)
	s.metrics.RecordRegisteredUsers(s.registry.Len())
	sess.log().Info().Msg("user registered")

	return s.reply(sess, protocol.StatusOK, "user created")
}

func (s *Server) handleListUsers(sess *Session, req *protocol.ListUsersRequest) error {
	filter := registry.All()
	all := true
	if !req.ListAll && req.TargetUser != nil {
		filter = registry.Exact(*req.TargetUser)
		all = false
	}

	users := s.registry.Snapshot(filter)
	if all && len(users) == 0 {
		return s.reply(sess, protocol.StatusInfo, noUsersMessage)
	}
	return s.reply(sess, protocol.StatusInfo, formatUserList(users))
}

// formatUserList renders one "name [STATE]" line per user.
func formatUserList(users []registry.Summary) string {
	lines := make([]string, len(users))
	for i, u := range users {
		lines[i] = fmt.Sprintf("%s [%s]", u.Name, u.State)
	}
	return strings.Join(lines, "\n")
}

// handleDisconnect handles graceful client disconnect
func (s *Server) handleDisconnect(sess *Session) error {
	// Release before answering so the name is free by the time the client
	// sees the confirmation
	s.releaseRegistration(sess)

	if err := s.reply(sess, protocol.StatusOK, "user disconnected"); err != nil {
		return err
	}
	return ErrClientDisconnecting
}

// releaseRegistration removes the session's user from the registry. Runs
// on every exit path; only the first call does anything.
func (s *Server) releaseRegistration(sess *Session) {
	entry := sess.takeEntry()
	if entry == nil {
		return
	}
	if s.registry.Release(entry) {
		s.metrics.RecordRegisteredUsers(s.registry.Len())
		sess.log().Info().Msg("user unregistered")
	}
}

func (s *Server) handleSendMessage(sess *Session, req *protocol.SendMessageRequest) error {
	msg := req.Message
	// The registered name is authoritative, whatever the client claims
	msg.Sender = sess.Username()

	if msg.Content == "" {
		return ErrEmptyMessage
	}
	if len(msg.Content) > s.config.MaxMessageLength {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(msg.Content))
	}
	if !sess.allow() {
		return ErrRateLimited
	}

	if !msg.Private {
		msg.Destination = nil
		s.history.Append(msg)
		s.metrics.RecordMessageBroadcast()

		if err := s.reply(sess, protocol.StatusOK, "message sent"); err != nil {
			return err
		}
		s.broadcast(msg)
		return nil
	}

	dest := msg.DestinationName()
	if dest == "" {
		return ErrNoDestination
	}
	target, ok := s.registry.Find(dest)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, dest)
	}

	if err := target.Handle.Deliver(msg); err != nil {
		sess.log().Debug().Err(err).Str("to", dest).Msg("private delivery failed")
	} else {
		s.metrics.RecordPrivateMessage()
	}
	return s.reply(sess, protocol.StatusOK, "message sent")
}

// broadcast hands msg to every registered user except the sender. The
// recipient list is a copy, so no registry lock is held while enqueueing.
func (s *Server) broadcast(msg protocol.Message) {
	start := time.Now()

	recipients := s.registry.Recipients(msg.Sender)
	failed := 0
	for _, e := range recipients {
		if err := e.Handle.Deliver(msg); err != nil {
			failed++
		}
	}

	s.metrics.RecordBroadcastFanout(len(recipients))
	s.metrics.RecordBroadcastDuration(time.Since(start))
	if failed > 0 {
		logx.Debug("broadcast partially delivered", "sender", msg.Sender, "recipients", len(recipients), "failed", failed)
	}
}

func (s *Server) handleChangeStatus(sess *Session, req *protocol.ChangeStatusRequest) error {
	if err := s.registry.SetState(sess.Username(), req.State); err != nil {
		return err
	}
	sess.log().Debug().Stringer("state", req.State).Msg("status changed")
	return s.reply(sess, protocol.StatusOK, "status updated")
}

func (s *Server) handleUserInfo(sess *Session, req *protocol.UserInfoRequest) error {
	e, ok := s.registry.Find(req.Username)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, req.Username)
	}
	return s.reply(sess, protocol.StatusInfo, formatUserInfo(e))
}

func formatUserInfo(e registry.Entry) string {
	return fmt.Sprintf("name: %s\nstate: %s\nip: %s\nport: %d", e.Name, e.State, e.IP, e.Port)
}
