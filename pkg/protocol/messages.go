package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ProtocolMessage interface - all protocol messages must implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Envelope is a protocol message that knows its own frame type.
type Envelope interface {
	ProtocolMessage
	Type() uint8
}

// Request is an envelope a client may send to the server.
type Request interface {
	Envelope
	isRequest()
}

// Message type constants (Client → Server)
const (
	TypeCreateUser   = 0x01
	TypeListUsers    = 0x02
	TypeDisconnect   = 0x03
	TypeSendMessage  = 0x04
	TypeChangeStatus = 0x05
	TypeUserInfo     = 0x06
)

// Message type constants (Server → Client)
const (
	TypeAnswer   = 0x81
	TypeDelivery = 0x82
)

// Answer status codes
const (
	StatusInfo       = 1
	StatusOK         = 200
	StatusBadRequest = 400
)

// ServerSender is the sender name stamped on answers produced by the server.
const ServerSender = "server"

var (
	// ErrMalformed wraps every request/response decoding failure.
	ErrMalformed        = errors.New("malformed envelope")
	ErrTrailingBytes    = errors.New("trailing bytes after payload")
	ErrInvalidUserState = errors.New("invalid user state")
)

// TypeName returns a stable label for a frame type.
func TypeName(t uint8) string {
	switch t {
	case TypeCreateUser:
		return "create_user"
	case TypeListUsers:
		return "list_users"
	case TypeDisconnect:
		return "disconnect"
	case TypeSendMessage:
		return "send_message"
	case TypeChangeStatus:
		return "change_status"
	case TypeUserInfo:
		return "user_info"
	case TypeAnswer:
		return "answer"
	case TypeDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// UserState is the presence state of a registered user.
type UserState uint8

const (
	StateActive  UserState = 1
	StateAway    UserState = 2
	StateBusy    UserState = 3
	StateOffline UserState = 4
)

func (s UserState) Valid() bool {
	return s >= StateActive && s <= StateOffline
}

func (s UserState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateAway:
		return "AWAY"
	case StateBusy:
		return "BUSY"
	case StateOffline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

func (s UserState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *UserState) UnmarshalText(text []byte) error {
	state, err := ParseUserState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// ParseUserState accepts the state name in any case.
func ParseUserState(s string) (UserState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACTIVE":
		return StateActive, nil
	case "AWAY":
		return StateAway, nil
	case "BUSY":
		return StateBusy, nil
	case "OFFLINE":
		return StateOffline, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidUserState, s)
}

// Message is a chat message. A private message names its destination;
// a broadcast has none.
type Message struct {
	Sender      string
	Content     string
	Private     bool
	Destination *string
}

// DestinationName returns the destination or "" for broadcasts.
func (m Message) DestinationName() string {
	if m.Destination == nil {
		return ""
	}
	return *m.Destination
}

func (m *Message) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Content); err != nil {
		return err
	}
	if err := WriteBool(w, m.Private); err != nil {
		return err
	}
	return WriteOptionalString(w, m.Destination)
}

func (m *Message) decodeFrom(r io.Reader) error {
	sender, err := ReadString(r)
	if err != nil {
		return err
	}
	content, err := ReadString(r)
	if err != nil {
		return err
	}
	private, err := ReadBool(r)
	if err != nil {
		return err
	}
	dest, err := ReadOptionalString(r)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.Content = content
	m.Private = private
	m.Destination = dest
	return nil
}

func (m *Message) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *Message) Decode(payload []byte) error {
	return decodePayload(payload, m.decodeFrom)
}

// CreateUserRequest (0x01) - register a username for this connection
type CreateUserRequest struct {
	Username string
}

func (m *CreateUserRequest) Type() uint8 { return TypeCreateUser }
func (m *CreateUserRequest) isRequest()  {}

func (m *CreateUserRequest) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Username)
}

func (m *CreateUserRequest) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *CreateUserRequest) Decode(payload []byte) error {
	return decodePayload(payload, func(r io.Reader) error {
		name, err := ReadString(r)
		if err != nil {
			return err
		}
		m.Username = name
		return nil
	})
}

// ListUsersRequest (0x02) - list everyone, or look up a single user
type ListUsersRequest struct {
	ListAll    bool
	TargetUser *string
}

func (m *ListUsersRequest) Type() uint8 { return TypeListUsers }
func (m *ListUsersRequest) isRequest()  {}

func (m *ListUsersRequest) EncodeTo(w io.Writer) error {
	if err := WriteBool(w, m.ListAll); err != nil {
		return err
	}
	return WriteOptionalString(w, m.TargetUser)
}

func (m *ListUsersRequest) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *ListUsersRequest) Decode(payload []byte) error {
	return decodePayload(payload, func(r io.Reader) error {
		all, err := ReadBool(r)
		if err != nil {
			return err
		}
		target, err := ReadOptionalString(r)
		if err != nil {
			return err
		}
		m.ListAll = all
		m.TargetUser = target
		return nil
	})
}

// DisconnectRequest (0x03) - graceful disconnect, empty payload
type DisconnectRequest struct{}

func (m *DisconnectRequest) Type() uint8 { return TypeDisconnect }
func (m *DisconnectRequest) isRequest()  {}

func (m *DisconnectRequest) EncodeTo(w io.Writer) error {
	return nil
}

func (m *DisconnectRequest) Encode() ([]byte, error) {
	return []byte{}, nil
}

func (m *DisconnectRequest) Decode(payload []byte) error {
	return decodePayload(payload, func(io.Reader) error { return nil })
}

// SendMessageRequest (0x04) - broadcast or private message
type SendMessageRequest struct {
	Message Message
}

func (m *SendMessageRequest) Type() uint8 { return TypeSendMessage }
func (m *SendMessageRequest) isRequest()  {}

func (m *SendMessageRequest) EncodeTo(w io.Writer) error {
	return m.Message.EncodeTo(w)
}

func (m *SendMessageRequest) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *SendMessageRequest) Decode(payload []byte) error {
	return decodePayload(payload, m.Message.decodeFrom)
}

// ChangeStatusRequest (0x05) - change the caller's presence state
type ChangeStatusRequest struct {
	State UserState
}

func (m *ChangeStatusRequest) Type() uint8 { return TypeChangeStatus }
func (m *ChangeStatusRequest) isRequest()  {}

func (m *ChangeStatusRequest) EncodeTo(w io.Writer) error {
	return WriteUint8(w, uint8(m.State))
}

func (m *ChangeStatusRequest) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *ChangeStatusRequest) Decode(payload []byte) error {
	return decodePayload(payload, func(r io.Reader) error {
		v, err := ReadUint8(r)
		if err != nil {
			return err
		}
		state := UserState(v)
		if !state.Valid() {
			return fmt.Errorf("%w: %d", ErrInvalidUserState, v)
		}
		m.State = state
		return nil
	})
}

// UserInfoRequest (0x06) - details of a single connected user
type UserInfoRequest struct {
	Username string
}

func (m *UserInfoRequest) Type() uint8 { return TypeUserInfo }
func (m *UserInfoRequest) isRequest()  {}

func (m *UserInfoRequest) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Username)
}

func (m *UserInfoRequest) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *UserInfoRequest) Decode(payload []byte) error {
	return decodePayload(payload, func(r io.Reader) error {
		name, err := ReadString(r)
		if err != nil {
			return err
		}
		m.Username = name
		return nil
	})
}

// Answer (0x81) - the single response to a request
type Answer struct {
	StatusCode uint16
	Message    Message
}

// NewAnswer builds a server answer carrying a plain text message.
func NewAnswer(status uint16, content string) *Answer {
	return &Answer{
		StatusCode: status,
		Message: Message{
			Sender:  ServerSender,
			Content: content,
		},
	}
}

func (m *Answer) Type() uint8 { return TypeAnswer }

func (m *Answer) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.StatusCode); err != nil {
		return err
	}
	return m.Message.EncodeTo(w)
}

func (m *Answer) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *Answer) Decode(payload []byte) error {
	return decodePayload(payload, func(r io.Reader) error {
		code, err := ReadUint16(r)
		if err != nil {
			return err
		}
		m.StatusCode = code
		return m.Message.decodeFrom(r)
	})
}

// Delivery (0x82) - an inbound chat message pushed to a recipient
type Delivery struct {
	Message Message
}

func (m *Delivery) Type() uint8 { return TypeDelivery }

func (m *Delivery) EncodeTo(w io.Writer) error {
	return m.Message.EncodeTo(w)
}

func (m *Delivery) Encode() ([]byte, error) {
	return encodeToBytes(m)
}

func (m *Delivery) Decode(payload []byte) error {
	return decodePayload(payload, m.Message.decodeFrom)
}

// ToFrame encodes an envelope into a frame of its own type.
func ToFrame(e Envelope) (*Frame, error) {
	payload, err := e.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeName(e.Type()), err)
	}
	return NewFrame(e.Type(), payload), nil
}

// DecodeRequest turns a client frame into a typed request.
func DecodeRequest(f *Frame) (Request, error) {
	var req Request
	switch f.Type {
	case TypeCreateUser:
		req = &CreateUserRequest{}
	case TypeListUsers:
		req = &ListUsersRequest{}
	case TypeDisconnect:
		req = &DisconnectRequest{}
	case TypeSendMessage:
		req = &SendMessageRequest{}
	case TypeChangeStatus:
		req = &ChangeStatusRequest{}
	case TypeUserInfo:
		req = &UserInfoRequest{}
	default:
		return nil, fmt.Errorf("%w: unknown request type 0x%02X", ErrMalformed, f.Type)
	}

	if err := req.Decode(f.Payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, TypeName(f.Type), err)
	}
	return req, nil
}

// DecodeResponse turns a server frame into an *Answer or a *Delivery.
func DecodeResponse(f *Frame) (Envelope, error) {
	var resp Envelope
	switch f.Type {
	case TypeAnswer:
		resp = &Answer{}
	case TypeDelivery:
		resp = &Delivery{}
	default:
		return nil, fmt.Errorf("%w: unknown response type 0x%02X", ErrMalformed, f.Type)
	}

	if err := resp.Decode(f.Payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, TypeName(f.Type), err)
	}
	return resp, nil
}

func encodeToBytes(m interface{ EncodeTo(io.Writer) error }) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodePayload runs fn over the payload and rejects truncated input and
// leftover bytes.
func decodePayload(payload []byte, fn func(r io.Reader) error) error {
	buf := bytes.NewReader(payload)
	if err := fn(buf); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if buf.Len() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// Compile-time checks to ensure all envelope types implement the interfaces
var (
	_ Request = (*CreateUserRequest)(nil)
	_ Request = (*ListUsersRequest)(nil)
	_ Request = (*DisconnectRequest)(nil)
	_ Request = (*SendMessageRequest)(nil)
	_ Request = (*ChangeStatusRequest)(nil)
	_ Request = (*UserInfoRequest)(nil)

	_ Envelope = (*Answer)(nil)
	_ Envelope = (*Delivery)(nil)

	_ ProtocolMessage = (*Message)(nil)
)
