package radio

import (
	"strconv"
	"testing"
	"time"

	"github.com/libertymesh/operator/internal/config"
)

func newTestMesh(t *testing.T) *MeshClient {
	t.Helper()
	m, err := NewMeshClient(config.RadioConfig{
		Broker:      "mqtt://localhost:1883",
		TopicRoot:   "msh/US",
		ChannelName: "LongFast",
		GatewayNode: "!0000a11c",
	}, nil)
	if err != nil {
		t.Fatalf("NewMeshClient: %v", err)
	}
	return m
}

func TestNewMeshClientRejectsBadGatewayNode(t *testing.T) {
	_, err := NewMeshClient(config.RadioConfig{GatewayNode: "not-an-id"}, nil)
	if err == nil {
		t.Fatal("accepted malformed gateway node ID")
	}
}

func TestUplinkAndDownlinkTopics(t *testing.T) {
	m := newTestMesh(t)
	if got := m.uplinkTopic(); got != "msh/US/2/json/LongFast/#" {
		t.Errorf("uplinkTopic = %q", got)
	}
	if got := m.downlinkTopic(); got != "msh/US/2/json/mqtt/" {
		t.Errorf("downlinkTopic = %q", got)
	}
}

func TestHandleEnvelopeTextPacket(t *testing.T) {
	m := newTestMesh(t)

	ts := time.Now().Unix()
	m.handleEnvelope("msh/US/2/json/LongFast/!0000a11c", []byte(`{
		"channel": 0,
		"from": 3735928559,
		"to": 4294967295,
		"timestamp": `+strconv.FormatInt(ts, 10)+`,
		"type": "text",
		"payload": {"text": "!sos trapped in basement"}
	}`))

	select {
	case pkt := <-m.Packets():
		if pkt.From != "!deadbeef" {
			t.Errorf("From = %q, want !deadbeef", pkt.From)
		}
		if pkt.To != BroadcastID {
			t.Errorf("To = %q, want broadcast", pkt.To)
		}
		if pkt.Text != "!sos trapped in basement" {
			t.Errorf("Text = %q", pkt.Text)
		}
		if pkt.RxTime.Unix() != ts {
			t.Errorf("RxTime = %v, want unix %d", pkt.RxTime, ts)
		}
	default:
		t.Fatal("text packet was not delivered")
	}

	// The sender should now be in the directory from the touch.
	if _, ok := m.Node("!deadbeef"); !ok {
		t.Error("sender missing from node directory")
	}
}

func TestHandleEnvelopeNodeinfo(t *testing.T) {
	m := newTestMesh(t)

	m.handleEnvelope("topic", []byte(`{
		"from": 1,
		"type": "nodeinfo",
		"payload": {"id": "!00000001", "longname": "Fire Station", "shortname": "FIRE"}
	}`))

	node, ok := m.Node("!00000001")
	if !ok {
		t.Fatal("nodeinfo did not create directory entry")
	}
	if node.LongName != "Fire Station" || node.ShortName != "FIRE" {
		t.Errorf("names = %q/%q", node.LongName, node.ShortName)
	}
}

func TestHandleEnvelopePositionScaling(t *testing.T) {
	m := newTestMesh(t)

	m.handleEnvelope("topic", []byte(`{
		"from": 1,
		"type": "position",
		"payload": {"latitude_i": 351234500, "longitude_i": -1015432100}
	}`))

	lat, lon, ok := NodeGPS(m, "!00000001")
	if !ok {
		t.Fatal("position did not set GPS")
	}
	if lat < 35.12344 || lat > 35.12346 {
		t.Errorf("lat = %v, want ~35.12345", lat)
	}
	if lon > -101.54320 || lon < -101.54322 {
		t.Errorf("lon = %v, want ~-101.54321", lon)
	}
}

func TestHandleEnvelopeZeroPositionIgnored(t *testing.T) {
	m := newTestMesh(t)

	m.handleEnvelope("topic", []byte(`{
		"from": 1,
		"type": "position",
		"payload": {"latitude_i": 0, "longitude_i": 0}
	}`))

	if _, _, ok := NodeGPS(m, "!00000001"); ok {
		t.Error("zero position treated as a fix")
	}
}

func TestHandleEnvelopeGarbage(t *testing.T) {
	m := newTestMesh(t)

	// None of these may panic or deliver packets.
	m.handleEnvelope("topic", []byte(`not json`))
	m.handleEnvelope("topic", []byte(`{"type": "text", "payload": 42}`))
	m.handleEnvelope("topic", []byte(`{"type": "telemetry", "payload": {}}`))

	select {
	case pkt := <-m.Packets():
		t.Fatalf("unexpected packet delivered: %+v", pkt)
	default:
	}
}
