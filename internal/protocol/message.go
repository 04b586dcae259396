// Package protocol defines the messages exchanged between a form replica and
// the document owner. Every message is one JSON object with a "type" tag.
package protocol

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	// form -> owner
	TypeReady         Type = "ready"
	TypeUpdateJSON    Type = "updateJson"
	TypeRequestSchema Type = "loadSchema"
	TypeSearchSchemas Type = "searchSchemas"

	// owner -> form
	TypeLoadJSON      Type = "loadJson"
	TypeLoadSchema    Type = "loadSchema"
	TypeUpdateJSONAck Type = "updateJsonAck"
	TypeBoundSource   Type = "boundSource"
	TypeShowError     Type = "showError"
	TypeSchemaList    Type = "schemaList"
)

// Ack reasons.
const (
	ReasonStaleRev    = "stale-rev"
	ReasonReadOnly    = "read-only"
	ReasonUnavailable = "unavailable"
	ReasonInvalidJSON = "invalid-json"
)

// Write reasons carried in WriteMeta.
const (
	ReasonEdit          = "edit"
	ReasonAddItem       = "add-item"
	ReasonRemoveItem    = "remove-item"
	ReasonMoveItem      = "move-item"
	ReasonAddEntry      = "add-entry"
	ReasonRemoveEntry   = "remove-entry"
	ReasonRenameKey     = "rename-key"
	ReasonSelectVariant = "select-variant"
)

type Message struct {
	Type       Type            `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	JSON       json.RawMessage `json:"json,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	SchemaURL  string          `json:"schemaUrl,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
	FormMarkup json.RawMessage `json:"formMarkup,omitempty"`
	Source     *Source         `json:"source,omitempty"`
	Error      string          `json:"error,omitempty"`
	Query      string          `json:"query,omitempty"`
	Schemas    []SchemaInfo    `json:"schemas,omitempty"`
}

// WriteMeta is the pending write envelope sent with updateJson.
type WriteMeta struct {
	SessionID            string `json:"sessionId"`
	Rev                  int64  `json:"rev"`
	Reason               string `json:"reason,omitempty"`
	HintPath             string `json:"hintPath,omitempty"`
	DirtyPathCount       int    `json:"dirtyPathCount"`
	DirtyCollectionCount int    `json:"dirtyCollectionCount"`
}

// AckMeta answers one updateJson.
type AckMeta struct {
	OK        bool   `json:"ok"`
	Rev       int64  `json:"rev"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	URI       string `json:"uri,omitempty"`
	Version   int64  `json:"version,omitempty"`
	Noop      bool   `json:"noop,omitempty"`
}

// Source identifies the text surface a binding edits.
type Source struct {
	URI        string `json:"uri"`
	FSPath     string `json:"fsPath,omitempty"`
	IsUntitled bool   `json:"isUntitled"`
}

type SchemaInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url"`
	FileMatch   []string `json:"fileMatch,omitempty"`
}

func Ready(sessionID string) Message {
	return Message{Type: TypeReady, SessionID: sessionID}
}

func UpdateJSON(doc []byte, meta WriteMeta) (Message, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeUpdateJSON, JSON: doc, Meta: raw}, nil
}

func RequestSchema(url string) Message {
	return Message{Type: TypeRequestSchema, SchemaURL: url}
}

func SearchSchemas(query string) Message {
	return Message{Type: TypeSearchSchemas, Query: query}
}

func LoadJSON(doc []byte) Message {
	return Message{Type: TypeLoadJSON, JSON: doc}
}

func LoadSchema(url string, schema, markup []byte) Message {
	return Message{Type: TypeLoadSchema, SchemaURL: url, Schema: schema, FormMarkup: markup}
}

func UpdateJSONAck(meta AckMeta) Message {
	raw, _ := json.Marshal(meta)
	return Message{Type: TypeUpdateJSONAck, Meta: raw}
}

func BoundSource(src Source) Message {
	return Message{Type: TypeBoundSource, Source: &src}
}

func ShowError(text string) Message {
	return Message{Type: TypeShowError, Error: text}
}

func SchemaList(infos []SchemaInfo) Message {
	return Message{Type: TypeSchemaList, Schemas: infos}
}

func (m Message) WriteMeta() (WriteMeta, error) {
	var meta WriteMeta
	if len(m.Meta) == 0 {
		return meta, fmt.Errorf("%s: missing meta", m.Type)
	}
	if err := json.Unmarshal(m.Meta, &meta); err != nil {
		return meta, fmt.Errorf("%s: bad meta: %w", m.Type, err)
	}
	return meta, nil
}

func (m Message) AckMeta() (AckMeta, error) {
	var meta AckMeta
	if len(m.Meta) == 0 {
		return meta, fmt.Errorf("%s: missing meta", m.Type)
	}
	if err := json.Unmarshal(m.Meta, &meta); err != nil {
		return meta, fmt.Errorf("%s: bad meta: %w", m.Type, err)
	}
	return meta, nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("failed to decode message: missing type")
	}
	return m, nil
}
