package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatflow/api/services/flow"
)

// Status is the lifecycle state of an execution context.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// HistoryEntry records one node execution.
type HistoryEntry struct {
	NodeID     string        `json:"nodeId"`
	NodeType   flow.NodeType `json:"nodeType"`
	NextNodeID string        `json:"nextNodeId,omitempty"`
	Input      string        `json:"input,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ExecutionContext is the persisted state of one conversation running a flow.
type ExecutionContext struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	ConversationID  string         `json:"conversationId"`
	ChannelIdentity string         `json:"channelIdentity"`
	FlowID          string         `json:"flowId"`
	CurrentNodeID   string         `json:"currentNodeId"`
	Status          Status         `json:"status"`
	Variables       map[string]any `json:"variables"`
	SessionData     map[string]any `json:"sessionData"`
	History         []HistoryEntry `json:"executionHistory"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// Clone returns a deep copy. Variable values are JSON-shaped, so a round trip preserves them.
func (c *ExecutionContext) Clone() (*ExecutionContext, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal execution context: %w", err)
	}
	var out ExecutionContext
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	if out.Variables == nil {
		out.Variables = map[string]any{}
	}
	if out.SessionData == nil {
		out.SessionData = map[string]any{}
	}
	return &out, nil
}

func (c *ExecutionContext) flag(key string) bool {
	v, _ := c.SessionData[key].(bool)
	return v
}

func askedKey(nodeID string) string    { return "question_" + nodeID + "_asked" }
func answeredKey(nodeID string) string { return "question_" + nodeID + "_answered" }

// MessageType distinguishes plain text from messages carrying reply options.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageInteractive MessageType = "interactive"
)

// Message is one bot message produced during a turn.
type Message struct {
	Type    MessageType   `json:"type"`
	Text    string        `json:"text"`
	Buttons []flow.Button `json:"buttons,omitempty"`
	NodeID  string        `json:"nodeId"`
}

// TurnResult is the outcome of processing one user input.
type TurnResult struct {
	// Response joins the text of every message with a blank line.
	Response string    `json:"response"`
	Messages []Message `json:"messages"`
	// NextNodeID is set when the conversation moved off the node it started the turn on.
	NextNodeID            string `json:"nextNodeId,omitempty"`
	CurrentNodeID         string `json:"currentNodeId"`
	ShouldEndConversation bool   `json:"shouldEndConversation"`
}

func newTurnResult(messages []Message) *TurnResult {
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}
	if messages == nil {
		messages = []Message{}
	}
	return &TurnResult{Response: strings.Join(texts, "\n\n"), Messages: messages}
}
