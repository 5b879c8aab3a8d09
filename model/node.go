// Package model holds the wire and persistence types shared across the
// controller: network nodes and channels, routed paths, and experiment
// definitions.
package model

import "encoding/json"

// NodeType identifies the device class of a registered node.
type NodeType string

const (
	NodeTypeQNode         NodeType = "QNode"
	NodeTypeQRepeater     NodeType = "QRepeater"
	NodeTypeQRouter       NodeType = "QRouter"
	NodeTypeQSwitch       NodeType = "QSwitch"
	NodeTypeBSMNode       NodeType = "BSMNode"
	NodeTypeMNode         NodeType = "MNode"
	NodeTypeOpticalSwitch NodeType = "OpticalSwitch"
)

// EntanglementCapable reports whether a device of this type can hold one end
// of an entanglement link.
func (t NodeType) EntanglementCapable() bool {
	switch t {
	case NodeTypeQNode, NodeTypeQRepeater, NodeTypeQRouter, NodeTypeQSwitch:
		return true
	}
	return false
}

// Router reports whether a device of this type may appear as an interior hop
// of an entanglement-mode route.
func (t NodeType) Router() bool {
	return t == NodeTypeQRepeater || t == NodeTypeQRouter
}

// ChannelDirection is the direction of a channel relative to its node.
type ChannelDirection string

const (
	DirectionIn  ChannelDirection = "in"
	DirectionOut ChannelDirection = "out"
)

// ChannelType labels the physical medium of a channel.
const (
	ChannelTypeQuantum   = "quantum"
	ChannelTypeClassical = "classical"
)

// Neighbor is a reference from an out channel to the remote in channel it
// connects to.
type Neighbor struct {
	SystemRef  string `json:"systemRef"`
	ChannelRef string `json:"channelRef"`
	Type       string `json:"type,omitempty"`
}

// Channel is one endpoint of a physical link on a node.
type Channel struct {
	ID        string           `json:"ID"`
	Name      string           `json:"name,omitempty"`
	Type      string           `json:"type"`
	Direction ChannelDirection `json:"direction"`
	Neighbor  *Neighbor        `json:"neighbor,omitempty"`
}

// SystemSettings carries the identifying attributes of a node. ID is the
// human-assigned logical name agents address each other by; UUID is the
// opaque instance id assigned at first registration.
type SystemSettings struct {
	ID   string   `json:"ID"`
	UUID string   `json:"uuid,omitempty"`
	Type NodeType `json:"type"`
}

// Node is a physical device registered by an agent.
type Node struct {
	SystemSettings    SystemSettings `json:"systemSettings"`
	QuantumSettings   map[string]any `json:"quantumSettings,omitempty"`
	QubitSettings     map[string]any `json:"qubitSettings,omitempty"`
	InterfaceSettings map[string]any `json:"interfaceSettings,omitempty"`
	Channels          []Channel      `json:"channels,omitempty"`
	Deleted           bool           `json:"deleted,omitempty"`
}

// LogicalID returns the node's logical name.
func (n *Node) LogicalID() string { return n.SystemSettings.ID }

// Type returns the node's device class.
func (n *Node) Type() NodeType { return n.SystemSettings.Type }

// Doc renders the node as a plain document for the store.
func (n *Node) Doc() (map[string]any, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// NodeFromDoc restores a Node from its persisted document form.
func NodeFromDoc(doc map[string]any) (*Node, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
