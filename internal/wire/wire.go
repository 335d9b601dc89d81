// Package wire defines the overlay's request and response records.
//
// Every request is a JSON object carrying a "type" discriminator. A request
// travels over its own TCP connection and is answered by exactly one JSON
// value before the connection is closed.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for undecodable requests or requests missing a
// required field.
var ErrMalformed = errors.New("malformed message")

// Type discriminates request records.
type Type string

const (
	TypeFileQuery      Type = "file_query"
	TypeQueryHit       Type = "QueryHit"
	TypeFileTransfer   Type = "file_transfer"
	TypeInvalidation   Type = "INVALIDATION"
	TypeRegisterFiles  Type = "register_files"
	TypeVersionRequest Type = "VERSION_REQUEST"
	TypePull           Type = "PULL"
	TypeCleanup        Type = "CLEANUP"
)

// Message is a decoded request.
type Message interface {
	MessageType() Type
	Validate() error
}

// FileQuery floods a search for FileName through the super-peer graph.
type FileQuery struct {
	Type      Type   `json:"type"`
	FileName  string `json:"file_name"`
	TTL       int    `json:"TTL"`
	MessageID string `json:"message_id"`
	Origin    string `json:"origin"`
	SuperNode string `json:"super_node"`
	// Sender is the super-peer that forwarded the query; empty when it comes
	// straight from a leaf.
	Sender string `json:"sender,omitempty"`
}

// QueryHit names one leaf holding the requested file. A file_query is
// answered with a JSON list of hits.
type QueryHit struct {
	Type     Type   `json:"type"`
	LeafNode string `json:"leaf_node"`
	FileName string `json:"file_name"`
	Done     bool   `json:"Done"`
}

// FileTransfer asks a leaf for the content of one of its files.
type FileTransfer struct {
	Type      Type   `json:"type"`
	FileName  string `json:"file_name"`
	Requester string `json:"requester"`
}

// TransferReply carries the content of a file together with the replication
// state the requester needs to materialize its copy.
type TransferReply struct {
	FileName string `json:"file_name"`
	Version  int    `json:"version"`
	Origin   string `json:"origin"`
	Content  []byte `json:"content"`
}

// Invalidation announces that the master of FileName moved to Version.
type Invalidation struct {
	Type           Type   `json:"type"`
	FileName       string `json:"file_name"`
	Version        int    `json:"version_number"`
	MsgID          string `json:"msg_id"`
	OriginServerID string `json:"origin_server_id"`
	Sender         string `json:"sender,omitempty"`
}

// RegisterFiles replaces the registry entries of NodeID at its super-peer.
type RegisterFiles struct {
	Type   Type     `json:"type"`
	NodeID string   `json:"node_id"`
	Files  []string `json:"files"`
}

// VersionRequest asks a leaf for the version it holds of FileName.
type VersionRequest struct {
	Type     Type   `json:"type"`
	FileName string `json:"file_name"`
}

// VersionReply reports a version; 0 means the file is not held.
type VersionReply struct {
	Version int `json:"version"`
}

// Pull asks a super-peer whether a cached copy is still current.
type Pull struct {
	Type          Type   `json:"type"`
	NodeID        string `json:"node_id"`
	FileName      string `json:"file_name"`
	CachedVersion int    `json:"cached_version"`
	OriginNode    string `json:"origin_node"`
}

// Status is the outcome of a staleness check.
type Status string

const (
	StatusStale Status = "STALE"
	StatusValid Status = "VALID"
)

// PullReply answers a Pull.
type PullReply struct {
	Status   Status `json:"status"`
	FileName string `json:"file_name"`
}

// Cleanup removes MsgID from every ledger still holding it.
type Cleanup struct {
	Type      Type   `json:"type"`
	FileName  string `json:"file_name"`
	MsgID     string `json:"msg_id"`
	SuperPeer string `json:"super_peer"`
	// NodeID is the leaf that discarded its copy.
	NodeID string `json:"node_id,omitempty"`
}

// Ack answers requests that carry no result.
type Ack struct {
	OK bool `json:"ok"`
}

// ErrorReply is written instead of a result when a handler fails.
type ErrorReply struct {
	Error string `json:"error"`
}

func (FileQuery) MessageType() Type      { return TypeFileQuery }
func (FileTransfer) MessageType() Type   { return TypeFileTransfer }
func (Invalidation) MessageType() Type   { return TypeInvalidation }
func (RegisterFiles) MessageType() Type  { return TypeRegisterFiles }
func (VersionRequest) MessageType() Type { return TypeVersionRequest }
func (Pull) MessageType() Type           { return TypePull }
func (Cleanup) MessageType() Type        { return TypeCleanup }

func (m FileQuery) Validate() error {
	return required(m.MessageType(), "file_name", m.FileName, "message_id", m.MessageID, "origin", m.Origin)
}

func (m FileTransfer) Validate() error {
	return required(m.MessageType(), "file_name", m.FileName, "requester", m.Requester)
}

func (m Invalidation) Validate() error {
	if m.Version < 1 {
		return fmt.Errorf("%w: %s: version_number must be positive", ErrMalformed, m.MessageType())
	}
	return required(m.MessageType(), "file_name", m.FileName, "msg_id", m.MsgID, "origin_server_id", m.OriginServerID)
}

func (m RegisterFiles) Validate() error {
	return required(m.MessageType(), "node_id", m.NodeID)
}

func (m VersionRequest) Validate() error {
	return required(m.MessageType(), "file_name", m.FileName)
}

func (m Pull) Validate() error {
	return required(m.MessageType(), "node_id", m.NodeID, "file_name", m.FileName)
}

func (m Cleanup) Validate() error {
	return required(m.MessageType(), "file_name", m.FileName, "msg_id", m.MsgID)
}

// required checks name/value pairs for empty values.
func required(t Type, kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			return fmt.Errorf("%w: %s: missing %s", ErrMalformed, t, kv[i])
		}
	}
	return nil
}

// Encode marshals m, stamping its type discriminator.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case FileQuery:
		v.Type = TypeFileQuery
		return json.Marshal(v)
	case FileTransfer:
		v.Type = TypeFileTransfer
		return json.Marshal(v)
	case Invalidation:
		v.Type = TypeInvalidation
		return json.Marshal(v)
	case RegisterFiles:
		v.Type = TypeRegisterFiles
		return json.Marshal(v)
	case VersionRequest:
		v.Type = TypeVersionRequest
		return json.Marshal(v)
	case Pull:
		v.Type = TypePull
		return json.Marshal(v)
	case Cleanup:
		v.Type = TypeCleanup
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
}

// Decode parses a request and checks its required fields.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeFileQuery:
		msg, err = decodeAs[FileQuery](data)
	case TypeFileTransfer:
		msg, err = decodeAs[FileTransfer](data)
	case TypeInvalidation:
		msg, err = decodeAs[Invalidation](data)
	case TypeRegisterFiles:
		msg, err = decodeAs[RegisterFiles](data)
	case TypeVersionRequest:
		msg, err = decodeAs[VersionRequest](data)
	case TypePull:
		msg, err = decodeAs[Pull](data)
	case TypeCleanup:
		msg, err = decodeAs[Cleanup](data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
