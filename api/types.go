// Package api defines the wire types exchanged between the HTTP layer, the
// upload queue and the storage gateway. JSON field names follow the broker
// contract and must not change without coordinating both producer and
// consumer deployments.
package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// UploadEnvelope is the structured upload payload carried inside a queue
// message. It is produced by the HTTP layer and consumed by the upload
// consumer; the envelope is immutable after creation.
type UploadEnvelope struct {
	File     FilePayload   `json:"file"`
	Metadata OwnerMetadata `json:"metadata"`
}

// FilePayload carries the transported file content and its upload metadata.
// Buffer holds either a base64-encoded JSON string or a JSON array of byte
// values; use DecodeBuffer to obtain the binary content.
type FilePayload struct {
	Buffer       json.RawMessage `json:"buffer"`
	OriginalName string          `json:"originalname"`
	MimeType     string          `json:"mimetype"`
	Size         int64           `json:"size"`
}

// OwnerMetadata identifies the uploading tenant. Historically producers set
// either ID or UserID; consumers normalize both to the same value before any
// storage call because authorization keys on a single canonical field.
type OwnerMetadata struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// OwnerID returns the resolved tenant identifier, preferring ID over UserID.
func (m OwnerMetadata) OwnerID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.UserID
}

// StoredObject describes the outcome of a completed upload.
type StoredObject struct {
	Key      string `json:"key"`
	Location string `json:"location"`
	MimeType string `json:"mimetype"`
}

// ObjectSummary is one entry of a listing response.
type ObjectSummary struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// EncodeBuffer renders binary content as the base64 JSON string form of a
// FilePayload buffer.
func EncodeBuffer(data []byte) json.RawMessage {
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
	return encoded
}

// DecodeBuffer converts the transported buffer representation into binary
// content. Producers emit either a base64 string or an array of byte values;
// anything else is rejected.
func (f FilePayload) DecodeBuffer() ([]byte, error) {
	if len(f.Buffer) == 0 {
		return nil, fmt.Errorf("api: empty file buffer")
	}
	var s string
	if err := json.Unmarshal(f.Buffer, &s); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("api: decode base64 buffer: %w", err)
		}
		return decoded, nil
	}
	var values []int
	if err := json.Unmarshal(f.Buffer, &values); err == nil {
		decoded := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("api: buffer byte %d out of range at index %d", v, i)
			}
			decoded[i] = byte(v)
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("api: unrecognized file buffer encoding")
}
