package radio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/libertymesh/operator/internal/config"
)

// packetBuffer bounds inbound delivery. The router drains quickly, so a
// small buffer only has to absorb the replay burst at connect.
const packetBuffer = 64

// MeshClient is a Radio backed by a Meshtastic MQTT JSON gateway.
type MeshClient struct {
	cfg    config.RadioConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	localID  string
	localNum uint32

	packets chan Packet

	mu        sync.RWMutex
	nodes     map[string]Node
	closeOnce sync.Once
}

// jsonEnvelope is the Meshtastic MQTT JSON uplink format. The payload
// shape depends on Type.
type jsonEnvelope struct {
	Channel   int             `json:"channel"`
	From      uint32          `json:"from"`
	To        uint32          `json:"to"`
	ID        uint64          `json:"id"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type textPayload struct {
	Text string `json:"text"`
}

type nodeinfoPayload struct {
	ID        string `json:"id"`
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
}

type positionPayload struct {
	LatitudeI  int64 `json:"latitude_i"`
	LongitudeI int64 `json:"longitude_i"`
}

// jsonDownlink is the gateway "sendtext" downlink format.
type jsonDownlink struct {
	From    uint32 `json:"from"`
	To      uint32 `json:"to"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	WantAck bool   `json:"want_ack,omitempty"`
}

// NewMeshClient creates a mesh transport but does not connect. Call
// [MeshClient.Start] to establish the broker connection.
func NewMeshClient(cfg config.RadioConfig, logger *slog.Logger) (*MeshClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	localNum, err := ParseNodeID(cfg.GatewayNode)
	if err != nil {
		return nil, fmt.Errorf("radio.gateway_node: %w", err)
	}
	return &MeshClient{
		cfg:      cfg,
		logger:   logger,
		localID:  FormatNodeID(localNum),
		localNum: localNum,
		packets:  make(chan Packet, packetBuffer),
		nodes:    make(map[string]Node),
	}, nil
}

// Start connects to the MQTT broker and subscribes to the channel's
// JSON uplink topic. It returns once the initial connection is up, or
// an error if the broker cannot be reached within the context deadline.
// The subscription is re-established automatically on reconnect.
func (m *MeshClient) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	uplink := m.uplinkTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("radio connected to gateway broker",
				"broker", m.cfg.Broker,
				"topic", uplink,
			)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: uplink, QoS: 0},
				},
			}); err != nil {
				m.logger.Error("radio subscribe failed", "topic", uplink, "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("radio connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "operator-" + m.localID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleEnvelope(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("await gateway broker connection: %w", err)
	}
	return nil
}

// Close publishes nothing (the gateway owns availability) and tears
// down the broker connection. The packet channel is closed so the
// router loop can exit.
func (m *MeshClient) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if m.cm != nil {
			err = m.cm.Disconnect(ctx)
		}
		close(m.packets)
	})
	return err
}

func (m *MeshClient) uplinkTopic() string {
	return m.cfg.TopicRoot + "/2/json/" + m.cfg.ChannelName + "/#"
}

func (m *MeshClient) downlinkTopic() string {
	return m.cfg.TopicRoot + "/2/json/mqtt/"
}

// handleEnvelope parses one uplink JSON envelope. Text packets are
// delivered to the packet channel; nodeinfo and position packets update
// the node directory. Unknown types are ignored.
func (m *MeshClient) handleEnvelope(topic string, payload []byte) {
	m.logger.Log(context.Background(), config.LevelTrace, "radio uplink envelope",
		"topic", topic,
		"payload", string(payload),
	)

	var env jsonEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.logger.Debug("radio envelope parse failed", "topic", topic, "error", err)
		return
	}

	from := FormatNodeID(env.From)
	m.touchNode(from, env.Timestamp)

	switch env.Type {
	case "text":
		var body textPayload
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			m.logger.Debug("radio text payload parse failed", "error", err)
			return
		}
		pkt := Packet{
			From:    from,
			To:      FormatNodeID(env.To),
			Channel: env.Channel,
			Text:    body.Text,
			RxTime:  time.Unix(env.Timestamp, 0),
		}
		select {
		case m.packets <- pkt:
		default:
			m.logger.Warn("radio packet buffer full, dropping",
				"from", pkt.From,
			)
		}

	case "nodeinfo":
		var info nodeinfoPayload
		if err := json.Unmarshal(env.Payload, &info); err != nil {
			return
		}
		id := info.ID
		if id == "" {
			id = from
		}
		m.mu.Lock()
		node := m.nodes[id]
		node.ID = id
		node.LongName = info.LongName
		node.ShortName = info.ShortName
		m.nodes[id] = node
		m.mu.Unlock()

	case "position":
		var pos positionPayload
		if err := json.Unmarshal(env.Payload, &pos); err != nil {
			return
		}
		if pos.LatitudeI == 0 && pos.LongitudeI == 0 {
			return
		}
		m.mu.Lock()
		node := m.nodes[from]
		node.ID = from
		node.Latitude = float64(pos.LatitudeI) * 1e-7
		node.Longitude = float64(pos.LongitudeI) * 1e-7
		node.HasGPS = true
		m.nodes[from] = node
		m.mu.Unlock()
	}
}

// touchNode records that a node was heard, creating a bare directory
// entry if needed.
func (m *MeshClient) touchNode(id string, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.nodes[id]
	node.ID = id
	node.LastHeard = time.Unix(ts, 0)
	m.nodes[id] = node
}

// SendText publishes a sendtext downlink for the gateway to transmit.
func (m *MeshClient) SendText(ctx context.Context, text, destination string, wantAck bool) error {
	if m.cm == nil {
		return fmt.Errorf("radio not started")
	}

	destNum, err := ParseNodeID(destination)
	if err != nil {
		return err
	}

	down := jsonDownlink{
		From:    m.localNum,
		To:      destNum,
		Channel: m.cfg.ChannelIndex,
		Type:    "sendtext",
		Payload: text,
		WantAck: wantAck,
	}
	body, err := json.Marshal(down)
	if err != nil {
		return fmt.Errorf("marshal downlink: %w", err)
	}

	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.downlinkTopic(),
		Payload: body,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("publish downlink: %w", err)
	}
	return nil
}

// Node returns the directory entry for id.
func (m *MeshClient) Node(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	return node, ok
}

// NodeCount returns the number of known nodes.
func (m *MeshClient) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// LocalNode returns the gateway's node ID.
func (m *MeshClient) LocalNode() string {
	return m.localID
}

// Packets delivers inbound text packets.
func (m *MeshClient) Packets() <-chan Packet {
	return m.packets
}
