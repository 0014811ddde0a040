package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType identifies the behavior of a node in a flow graph.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeMessage     NodeType = "message"
	NodeQuestion    NodeType = "question"
	NodeCondition   NodeType = "condition"
	NodeAction      NodeType = "action"
	NodeIntegration NodeType = "integration"
	NodeEnd         NodeType = "end"
)

// Known reports whether t is one of the supported node types.
func (t NodeType) Known() bool {
	switch t {
	case NodeStart, NodeMessage, NodeQuestion, NodeCondition, NodeAction, NodeIntegration, NodeEnd:
		return true
	}
	return false
}

// Flow is a tenant-owned conversational script: metadata, variable declarations and the node graph.
type Flow struct {
	ID           string     `json:"id" yaml:"id"`
	TenantID     string     `json:"tenantId" yaml:"tenantId"`
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	BusinessType string     `json:"businessType,omitempty" yaml:"businessType,omitempty"`
	IsActive     bool       `json:"isActive" yaml:"isActive"`
	IsTemplate   bool       `json:"isTemplate" yaml:"isTemplate"`
	Version      int        `json:"version" yaml:"version"`
	EntryNodeID  string     `json:"entryNodeId" yaml:"entryNodeId"`
	Variables    []Variable `json:"variables" yaml:"variables"`
	Nodes        []Node     `json:"nodes" yaml:"nodes"`
	CreatedAt    time.Time  `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// Position holds x/y coordinates for rendering the node on the builder canvas.
// The engine never reads it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Connection is a labeled directed edge to another node of the same flow.
type Connection struct {
	TargetNodeID string `json:"targetNodeId" yaml:"targetNodeId"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Node is a single step in a flow graph. Config holds the type-specific
// configuration variant (see config.go).
type Node struct {
	ID          string
	FlowID      string
	Type        NodeType
	Name        string
	Position    Position
	Config      NodeConfig
	Connections []Connection
}

// nodeWire is the serialized shape of a Node, shared by JSON and YAML.
type nodeWire struct {
	ID            string       `json:"id" yaml:"id"`
	FlowID        string       `json:"flowId,omitempty" yaml:"flowId,omitempty"`
	Type          NodeType     `json:"type" yaml:"type"`
	Name          string       `json:"name,omitempty" yaml:"name,omitempty"`
	Position      Position     `json:"position" yaml:"position,omitempty"`
	Configuration any          `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	Connections   []Connection `json:"connections" yaml:"connections,omitempty"`
}

func (n Node) wire() nodeWire {
	w := nodeWire{
		ID:          n.ID,
		FlowID:      n.FlowID,
		Type:        n.Type,
		Name:        n.Name,
		Position:    n.Position,
		Connections: n.Connections,
	}
	if n.Config != nil {
		w.Configuration = n.Config
	}
	if w.Connections == nil {
		w.Connections = []Connection{}
	}
	return w
}

func (n *Node) fromWire(w nodeWire) error {
	raw, ok := w.Configuration.(map[string]any)
	if w.Configuration != nil && !ok {
		return fmt.Errorf("node %q: configuration must be an object", w.ID)
	}
	cfg, err := DecodeConfig(w.Type, raw)
	if err != nil {
		return fmt.Errorf("node %q: %w", w.ID, err)
	}
	*n = Node{
		ID:          w.ID,
		FlowID:      w.FlowID,
		Type:        w.Type,
		Name:        w.Name,
		Position:    w.Position,
		Config:      cfg,
		Connections: w.Connections,
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.wire())
}

// UnmarshalJSON decodes the node and its configuration variant.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return n.fromWire(w)
}

// MarshalYAML implements yaml.Marshaler.
func (n Node) MarshalYAML() (any, error) {
	return n.wire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Node) UnmarshalYAML(unmarshal func(any) error) error {
	var w nodeWire
	if err := unmarshal(&w); err != nil {
		return err
	}
	return n.fromWire(w)
}

// Next returns the target of the node's first outgoing connection.
func (n *Node) Next() (string, bool) {
	if len(n.Connections) == 0 {
		return "", false
	}
	return n.Connections[0].TargetNodeID, true
}

// NodeByID returns the node with the given id.
func (f *Flow) NodeByID(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// StartNodes returns every node of type start.
func (f *Flow) StartNodes() []*Node {
	var starts []*Node
	for i := range f.Nodes {
		if f.Nodes[i].Type == NodeStart {
			starts = append(starts, &f.Nodes[i])
		}
	}
	return starts
}

// DeriveEntryNode points EntryNodeID at the single start node, or clears it
// when the flow has zero or several start nodes. It also stamps FlowID on every node.
func (f *Flow) DeriveEntryNode() {
	f.EntryNodeID = ""
	if starts := f.StartNodes(); len(starts) == 1 {
		f.EntryNodeID = starts[0].ID
	}
	for i := range f.Nodes {
		f.Nodes[i].FlowID = f.ID
	}
}

// Variable returns the declaration with the given name.
func (f *Flow) Variable(name string) (*Variable, bool) {
	for i := range f.Variables {
		if f.Variables[i].Name == name {
			return &f.Variables[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() (*Flow, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal flow: %w", err)
	}
	var out Flow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &out, nil
}
