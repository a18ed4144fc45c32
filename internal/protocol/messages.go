// Package protocol defines the wire vocabulary exchanged over a signaling
// connection.
//
// Inbound messages form a closed tagged union: anything outside it is
// rejected with ErrUnknownType rather than best-effort field access. Offer,
// answer and candidate payloads are opaque to the relay and forwarded
// unmodified.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Type string

// Client -> server.
const (
	TypeRegister     Type = "register"
	TypeCall         Type = "call"
	TypeCallResponse Type = "callResponse"
	TypeCandidate    Type = "candidate"
	TypeStop         Type = "stop"
)

// Server -> client. TypeCallResponse is used in both directions.
const (
	TypeRegisterResponse   Type = "registerResponse"
	TypeIncomingCall       Type = "incomingCall"
	TypeStartCommunication Type = "startCommunication"
	TypeStopCommunication  Type = "stopCommunication"
	TypeError              Type = "error"
)

const (
	ResponseAccept   = "accept"
	ResponseReject   = "reject"
	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"
)

// ErrUnknownType marks an inbound message whose tag is outside the union.
var ErrUnknownType = errors.New("unknown message type")

// Message is the single wire envelope for both directions. Which fields are
// meaningful depends on Type; Validate enforces the per-type shape for
// inbound messages.
type Message struct {
	Type Type `json:"type"`

	// register
	Name string `json:"name,omitempty"`

	// call / callResponse / incomingCall
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	Offer    string `json:"offer,omitempty"`
	Response string `json:"response,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// candidate: opaque connectivity blob, relayed as-is.
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates one inbound message.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// Validate checks the per-type shape of an inbound message.
func (m Message) Validate() error {
	switch m.Type {
	case TypeRegister:
		if m.To != "" || m.From != "" || m.Offer != "" || m.Response != "" || m.Answer != "" || m.Reason != "" || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("register message has unexpected fields")
		}
	case TypeCall:
		if m.To == "" {
			return fmt.Errorf("call message missing to")
		}
		if m.Offer == "" {
			return fmt.Errorf("call message missing offer")
		}
		if m.Name != "" || m.Response != "" || m.Answer != "" || m.Reason != "" || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("call message has unexpected fields")
		}
	case TypeCallResponse:
		if m.From == "" {
			return fmt.Errorf("callResponse message missing from")
		}
		if m.Response != ResponseAccept && m.Response != ResponseReject {
			return fmt.Errorf("callResponse message has response=%q", m.Response)
		}
		if m.Response == ResponseAccept && m.Offer == "" {
			return fmt.Errorf("callResponse accept missing offer")
		}
		if m.Name != "" || m.To != "" || m.Answer != "" || m.Reason != "" || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("callResponse message has unexpected fields")
		}
	case TypeCandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.Name != "" || m.To != "" || m.From != "" || m.Offer != "" || m.Response != "" || m.Answer != "" || m.Reason != "" || m.Message != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case TypeStop:
		if m.Name != "" || m.To != "" || m.From != "" || m.Offer != "" || m.Response != "" || m.Answer != "" || m.Reason != "" || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("stop message has unexpected fields")
		}
	case TypeRegisterResponse, TypeIncomingCall, TypeStartCommunication, TypeStopCommunication, TypeError:
		return fmt.Errorf("%w: %q is server-to-client only", ErrUnknownType, m.Type)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

func RegisterAccepted() Message {
	return Message{Type: TypeRegisterResponse, Response: ResponseAccepted}
}

func RegisterRejected(reason string) Message {
	return Message{Type: TypeRegisterResponse, Response: ResponseRejected, Reason: reason}
}

func IncomingCall(from string) Message {
	return Message{Type: TypeIncomingCall, From: from}
}

func CallAccepted(answer string) Message {
	return Message{Type: TypeCallResponse, Response: ResponseAccepted, Answer: answer}
}

func CallRejected(reason string) Message {
	return Message{Type: TypeCallResponse, Response: ResponseRejected, Reason: reason}
}

func StartCommunication(answer string) Message {
	return Message{Type: TypeStartCommunication, Answer: answer}
}

func StopCommunication(reason string) Message {
	return Message{Type: TypeStopCommunication, Reason: reason}
}

func ErrorReply(message string) Message {
	return Message{Type: TypeError, Message: message}
}
