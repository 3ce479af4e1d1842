package simplevote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jellypudding/simplevote/types"
	"github.com/sirupsen/logrus"
)

// DefaultBroadcastTopic is where vote announcements are published.
const DefaultBroadcastTopic = "simplevote/votes"

const mqttTimeout = 5 * time.Second

// Announcement is the broadcast payload.
type Announcement struct {
	Player    string `json:"player"`
	Service   string `json:"service"`
	Tokens    int    `json:"tokens"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster tells the rest of the world about a vote.
type Broadcaster interface {
	Announce(a Announcement) error
	Close()
}

func voteMessage(vote types.Vote) string {
	return fmt.Sprintf("%s voted for the server on %s", vote.Username, vote.ServiceName)
}

// logBroadcaster is used when no MQTT broker is configured.
type logBroadcaster struct{}

func (logBroadcaster) Announce(a Announcement) error {
	logrus.Infof("📣 %s", a.Message)
	return nil
}

func (logBroadcaster) Close() {}

// MQTTBroadcaster publishes announcements as JSON.
type MQTTBroadcaster struct {
	client mqtt.Client
	topic  string
}

func initializeMQTT(clientID, host, user, pass string) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(host)
	opts.SetClientID(clientID)
	opts.SetUsername(user)
	opts.SetPassword(pass)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnect = func(client mqtt.Client) {
		logrus.Println("Connected to MQTT")
	}
	opts.OnConnectionLost = connectLostHandler
	return mqtt.NewClient(opts)
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	logrus.Printf("MQTT Connection lost: %v", err)
}

// NewMQTTBroadcaster connects to host and waits for the first connection.
func NewMQTTBroadcaster(clientID, host, user, pass, topic string) (*MQTTBroadcaster, error) {
	if topic == "" {
		topic = DefaultBroadcastTopic
	}
	client := initializeMQTT(clientID, host, user, pass)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s timed out", host)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", host, err)
	}
	return &MQTTBroadcaster{client: client, topic: topic}, nil
}

func (b *MQTTBroadcaster) Announce(a Announcement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	token := b.client.Publish(b.topic, 0, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (b *MQTTBroadcaster) Close() {
	b.client.Disconnect(250)
}
