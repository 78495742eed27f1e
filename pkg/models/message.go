// Package models defines the core data types shared across Arawn's engine:
// messages, sessions, tools, memories, and the knowledge graph.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool_result"
)

// BlockType discriminates the variants of ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's ordered content sequence.
// Only the fields matching Type are meaningful.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text holds the payload for BlockText.
	Text string `json:"text,omitempty"`

	// ToolUseID/ToolName/ToolInput hold the payload for BlockToolUse.
	// Assistant-only.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// ToolResultID/ToolPayload/IsError hold the payload for BlockToolResult.
	// tool_result-message-only; ToolResultID matches a preceding ToolUseID.
	ToolResultID string `json:"tool_result_id,omitempty"`
	ToolPayload  string `json:"tool_payload,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`
}

// TextBlock builds a BlockText content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a BlockToolUse content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResultBlock builds a BlockToolResult content block.
func ToolResultBlock(toolUseID, payload string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResultID: toolUseID, ToolPayload: payload, IsError: isError}
}

// Usage records token accounting for a single completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is one turn-participant's contribution: an ordered sequence of
// content blocks under a single role.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Text concatenates every BlockText block's text, in order. Most messages
// carry a single text block; this is a convenience for that common case.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns every BlockToolUse block in the message, in order.
func (m *Message) ToolUses() []ContentBlock {
	if m == nil {
		return nil
	}
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Turn is one complete request/response exchange: the user message, the
// assistant's reply, and any intermediate tool_result messages the loop
// produced along the way, in wire order.
type Turn struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an append-only ordered sequence of turns plus the bookkeeping
// the turn engine and session cache need.
type Session struct {
	ID              string    `json:"id"`
	WorkstreamID    string    `json:"workstream_id,omitempty"`
	ContextPreamble string    `json:"context_preamble,omitempty"`
	Turns           []Turn    `json:"turns"`
	TokenEstimate   int       `json:"token_estimate"`
	Closed          bool      `json:"closed"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// AppendTurn appends a turn to an open session and bumps last-active.
// Returns ErrSessionClosed if the session is already closed.
func (s *Session) AppendTurn(t Turn, tokensAdded int) error {
	if s.Closed {
		return ErrSessionClosed
	}
	s.Turns = append(s.Turns, t)
	s.TokenEstimate += tokensAdded
	s.LastActiveAt = time.Now()
	return nil
}

// FlatMessages expands every turn's messages into one flat ordered list,
// suitable for building a completion request.
func (s *Session) FlatMessages() []Message {
	var out []Message
	for _, t := range s.Turns {
		out = append(out, t.Messages...)
	}
	return out
}
