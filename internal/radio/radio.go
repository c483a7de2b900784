// Package radio provides the Meshtastic gateway transport. The mesh is
// reached through a Meshtastic MQTT JSON gateway: inbound text, node
// info, and position packets arrive as JSON envelopes on the channel
// topic, and outbound text is published to the gateway downlink topic.
//
// The package also carries the chunked send helper that adapts
// arbitrary-length replies to the slow link (word-safe wrapping,
// pagination prefixes, duty-cycle spacing).
package radio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BroadcastID is the Meshtastic broadcast destination.
const BroadcastID = "!ffffffff"

// Packet is one inbound text message from the mesh.
type Packet struct {
	// From is the sender node ID in canonical "!hex" form.
	From string
	// To is the destination node ID, or BroadcastID.
	To string
	// Channel is the channel slot the packet arrived on.
	Channel int
	// Text is the decoded message body.
	Text string
	// RxTime is the radio timestamp of the packet. The radio replays
	// buffered packets at connect, so RxTime can predate boot.
	RxTime time.Time
}

// Node is one entry in the mesh node directory.
type Node struct {
	ID        string
	LongName  string
	ShortName string
	Latitude  float64
	Longitude float64
	// HasGPS is true once a position packet has been seen for the node.
	HasGPS    bool
	LastHeard time.Time
}

// Radio is the transport consumed by the dispatch core.
type Radio interface {
	// SendText transmits a directed or broadcast text message.
	// destination is a "!hex" node ID or BroadcastID.
	SendText(ctx context.Context, text, destination string, wantAck bool) error
	// Node returns the directory entry for a node ID, if known.
	Node(id string) (Node, bool)
	// NodeCount returns the number of known nodes.
	NodeCount() int
	// LocalNode returns the gateway's own node ID for echo suppression.
	LocalNode() string
	// Packets delivers inbound text packets. The channel is closed when
	// the transport shuts down.
	Packets() <-chan Packet
}

// Directory is the read-only slice of Radio used by components that
// only resolve names and positions.
type Directory interface {
	Node(id string) (Node, bool)
	NodeCount() int
}

// FormatNodeID renders a numeric Meshtastic node number as the
// canonical "!hex" ID string.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID converts a "!hex" ID string back to the numeric node
// number.
func ParseNodeID(id string) (uint32, error) {
	s := strings.TrimPrefix(id, "!")
	if s == id || s == "" {
		return 0, fmt.Errorf("malformed node ID %q", id)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed node ID %q: %w", id, err)
	}
	return uint32(n), nil
}

// NodeName returns the best display name for a node: long name, then
// short name, then the raw ID.
func NodeName(dir Directory, id string) string {
	if dir == nil {
		return id
	}
	node, ok := dir.Node(id)
	if !ok {
		return id
	}
	if node.LongName != "" {
		return node.LongName
	}
	if node.ShortName != "" {
		return node.ShortName
	}
	return id
}

// NodeGPS returns a node's last known position. ok is false when the
// node is unknown or has never reported a fix.
func NodeGPS(dir Directory, id string) (lat, lon float64, ok bool) {
	if dir == nil {
		return 0, 0, false
	}
	node, found := dir.Node(id)
	if !found || !node.HasGPS {
		return 0, 0, false
	}
	return node.Latitude, node.Longitude, true
}
