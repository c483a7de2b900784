package radio

import "testing"

func TestFormatParseNodeID(t *testing.T) {
	tests := []struct {
		num uint32
		id  string
	}{
		{0xdeadbeef, "!deadbeef"},
		{0, "!00000000"},
		{0xffffffff, "!ffffffff"},
		{0x1a2b, "!00001a2b"},
	}
	for _, tt := range tests {
		if got := FormatNodeID(tt.num); got != tt.id {
			t.Errorf("FormatNodeID(%#x) = %q, want %q", tt.num, got, tt.id)
		}
		num, err := ParseNodeID(tt.id)
		if err != nil {
			t.Errorf("ParseNodeID(%q): %v", tt.id, err)
		} else if num != tt.num {
			t.Errorf("ParseNodeID(%q) = %#x, want %#x", tt.id, num, tt.num)
		}
	}
}

func TestParseNodeIDRejectsGarbage(t *testing.T) {
	for _, id := range []string{"", "deadbeef", "!xyz", "!deadbeef0"} {
		if _, err := ParseNodeID(id); err == nil {
			t.Errorf("ParseNodeID(%q) accepted invalid ID", id)
		}
	}
}

// mapDirectory is a Directory over a fixed node map.
type mapDirectory map[string]Node

func (d mapDirectory) Node(id string) (Node, bool) {
	n, ok := d[id]
	return n, ok
}

func (d mapDirectory) NodeCount() int { return len(d) }

func TestNodeNameFallbackChain(t *testing.T) {
	dir := mapDirectory{
		"!00000001": {ID: "!00000001", LongName: "Fire Station", ShortName: "FIRE"},
		"!00000002": {ID: "!00000002", ShortName: "EMS1"},
		"!00000003": {ID: "!00000003"},
	}

	tests := []struct {
		id   string
		want string
	}{
		{"!00000001", "Fire Station"},
		{"!00000002", "EMS1"},
		{"!00000003", "!00000003"},
		{"!0000dead", "!0000dead"}, // unknown node
	}
	for _, tt := range tests {
		if got := NodeName(dir, tt.id); got != tt.want {
			t.Errorf("NodeName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestNodeNameNilDirectory(t *testing.T) {
	if got := NodeName(nil, "!00000001"); got != "!00000001" {
		t.Errorf("NodeName(nil) = %q, want the ID back", got)
	}
}

func TestNodeGPS(t *testing.T) {
	dir := mapDirectory{
		"!00000001": {ID: "!00000001", Latitude: 35.12345, Longitude: -101.54321, HasGPS: true},
		"!00000002": {ID: "!00000002"},
	}

	lat, lon, ok := NodeGPS(dir, "!00000001")
	if !ok || lat != 35.12345 || lon != -101.54321 {
		t.Errorf("NodeGPS = %v,%v,%v", lat, lon, ok)
	}
	if _, _, ok := NodeGPS(dir, "!00000002"); ok {
		t.Error("NodeGPS reported a fix for a node without one")
	}
	if _, _, ok := NodeGPS(dir, "!0000dead"); ok {
		t.Error("NodeGPS reported a fix for an unknown node")
	}
	if _, _, ok := NodeGPS(nil, "!00000001"); ok {
		t.Error("NodeGPS reported a fix with a nil directory")
	}
}
