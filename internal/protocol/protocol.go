// Package protocol defines the sync wire messages exchanged between the
// endpoint agent and the relay over a single websocket text stream.
//
// Every message is a JSON object tagged by a "type" field. Binary payloads
// ([]byte fields) ride as base64 strings, which is the default encoding of
// encoding/json. The relay never inspects payload bytes: filenames,
// snapshots and change frames are all opaque ciphertext to it.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags.
const (
	TypeAuthenticate        = "Authenticate"
	TypeRequestDocumentList = "RequestDocumentList"
	TypeRequestSnapshot     = "RequestSnapshot"
	TypePushChanges         = "PushChanges"
	TypePushSnapshot        = "PushSnapshot"

	TypeAuthenticated     = "Authenticated"
	TypeDocumentList      = "DocumentList"
	TypeSnapshot          = "Snapshot"
	TypeNewChanges        = "NewChanges"
	TypeRequestCompaction = "RequestCompaction"
)

// ClientMessage is any message the endpoint sends to the relay.
type ClientMessage interface{ clientTag() string }

// ServerMessage is any message the relay sends to an endpoint.
type ServerMessage interface{ serverTag() string }

// Authenticate opens a sync session; token is the bearer JWT.
type Authenticate struct {
	Token string `json:"token"`
}

// RequestDocumentList asks for the caller's full document index.
type RequestDocumentList struct{}

// RequestSnapshot asks for the stored snapshot of one document.
type RequestSnapshot struct {
	DocID string `json:"doc_id"`
}

// PushChanges uploads encrypted change frames for one document. DeviceID
// identifies the origin so the relay can suppress the echo back to it.
type PushChanges struct {
	DocID    string   `json:"doc_id"`
	DeviceID string   `json:"device_id"`
	Changes  [][]byte `json:"changes"`
}

// PushSnapshot replaces the stored snapshot baseline for one document.
// Filename is the encrypted relative path.
type PushSnapshot struct {
	DocID    string `json:"doc_id"`
	Filename []byte `json:"filename"`
	Snapshot []byte `json:"snapshot"`
}

// Authenticated reports the outcome of Authenticate.
type Authenticated struct {
	Success bool `json:"success"`
}

// DocumentInfo is one entry of the relay's per-user index.
type DocumentInfo struct {
	DocID     string    `json:"doc_id"`
	Filename  []byte    `json:"filename"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentList is the response to RequestDocumentList.
type DocumentList struct {
	Documents []DocumentInfo `json:"documents"`
}

// Snapshot is the response to RequestSnapshot.
type Snapshot struct {
	DocID    string `json:"doc_id"`
	Filename []byte `json:"filename"`
	Snapshot []byte `json:"snapshot"`
}

// NewChanges fans changes out to the other devices of the same user.
type NewChanges struct {
	DocID    string   `json:"doc_id"`
	DeviceID string   `json:"device_id"`
	Changes  [][]byte `json:"changes"`
}

// RequestCompaction asks a device to push a fresh snapshot so the relay
// can truncate the change log for the document.
type RequestCompaction struct {
	DocID string `json:"doc_id"`
}

func (Authenticate) clientTag() string        { return TypeAuthenticate }
func (RequestDocumentList) clientTag() string { return TypeRequestDocumentList }
func (RequestSnapshot) clientTag() string     { return TypeRequestSnapshot }
func (PushChanges) clientTag() string         { return TypePushChanges }
func (PushSnapshot) clientTag() string        { return TypePushSnapshot }

func (Authenticated) serverTag() string     { return TypeAuthenticated }
func (DocumentList) serverTag() string      { return TypeDocumentList }
func (Snapshot) serverTag() string          { return TypeSnapshot }
func (NewChanges) serverTag() string        { return TypeNewChanges }
func (RequestCompaction) serverTag() string { return TypeRequestCompaction }

// EncodeClient serializes a client message with its type tag.
func EncodeClient(m ClientMessage) ([]byte, error) {
	return encodeTagged(m.clientTag(), m)
}

// EncodeServer serializes a server message with its type tag.
func EncodeServer(m ServerMessage) ([]byte, error) {
	return encodeTagged(m.serverTag(), m)
}

func encodeTagged(tag string, m any) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", tag, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", tag, err)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", tag))
	return json.Marshal(fields)
}

// DecodeClient parses a tagged client message.
func DecodeClient(data []byte) (ClientMessage, error) {
	tag, err := peekTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeAuthenticate:
		return decodeClient[Authenticate](data)
	case TypeRequestDocumentList:
		return decodeClient[RequestDocumentList](data)
	case TypeRequestSnapshot:
		return decodeClient[RequestSnapshot](data)
	case TypePushChanges:
		return decodeClient[PushChanges](data)
	case TypePushSnapshot:
		return decodeClient[PushSnapshot](data)
	default:
		return nil, fmt.Errorf("unknown client message type %q", tag)
	}
}

// DecodeServer parses a tagged server message.
func DecodeServer(data []byte) (ServerMessage, error) {
	tag, err := peekTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeAuthenticated:
		return decodeServer[Authenticated](data)
	case TypeDocumentList:
		return decodeServer[DocumentList](data)
	case TypeSnapshot:
		return decodeServer[Snapshot](data)
	case TypeNewChanges:
		return decodeServer[NewChanges](data)
	case TypeRequestCompaction:
		return decodeServer[RequestCompaction](data)
	default:
		return nil, fmt.Errorf("unknown server message type %q", tag)
	}
}

func peekTag(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("malformed sync message: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("sync message is missing its type tag")
	}
	return probe.Type, nil
}

func decodeClient[T ClientMessage](data []byte) (ClientMessage, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed sync message: %w", err)
	}
	return m, nil
}

func decodeServer[T ServerMessage](data []byte) (ServerMessage, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed sync message: %w", err)
	}
	return m, nil
}
