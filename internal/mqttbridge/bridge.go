// Package mqttbridge feeds device readings published over MQTT into the ingest pipeline.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tusharkarmokar24-ai/AeroView/internal/logging"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
)

// Ingester runs one ingest call. services.IngestService satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, req *models.LogRequest) (*models.IngestResult, error)
}

// Config holds broker connection settings
type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string

	// Timeout bounds a single ingest call, including summary generation
	Timeout time.Duration

	// MaxInFlight caps concurrent ingest calls
	MaxInFlight int
}

// Bridge subscribes to device topics and ingests each message.
// The paho callback only decodes; ingest runs on a bounded set of goroutines
// so summary generation never stalls the client's router.
type Bridge struct {
	config   Config
	ingester Ingester
	client   mqtt.Client

	slots   chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// New creates a bridge; call Start to connect
func New(config Config, ingester Ingester) *Bridge {
	if config.Timeout <= 0 {
		config.Timeout = 90 * time.Second
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 16
	}
	return &Bridge{
		config:   config,
		ingester: ingester,
		slots:    make(chan struct{}, config.MaxInFlight),
	}
}

// Start connects to the broker. The subscription is re-established on every reconnect.
func (b *Bridge) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.config.BrokerURL).
		SetClientID(b.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("⚠️ [MQTT] Connection lost: %v", err)
		})

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("⏳ [MQTT] Broker %s not reachable yet, retrying in background", b.config.BrokerURL)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	token := client.Subscribe(b.config.Topic, 1, b.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("❌ [MQTT] Failed to subscribe to %s: %v", b.config.Topic, err)
		return
	}
	log.Printf("📡 [MQTT] Subscribed to %s on %s", b.config.Topic, b.config.BrokerURL)
}

// Stop disconnects from the broker and waits for in-flight ingests
func (b *Bridge) Stop() {
	if b.client != nil {
		b.client.Disconnect(250)
		log.Println("🔌 [MQTT] Disconnected")
	}

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var req models.LogRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		log.Printf("❌ [MQTT] Invalid payload on %s: %v", msg.Topic(), err)
		return
	}

	if req.MachineID == "" {
		req.MachineID = MachineIDFromTopic(msg.Topic())
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		log.Printf("⚠️ [MQTT] Bridge stopped, dropping message on %s", msg.Topic())
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	// Blocks only while MaxInFlight ingests are running
	b.slots <- struct{}{}
	go func() {
		defer b.wg.Done()
		defer func() { <-b.slots }()
		b.ingest(&req, msg.Topic())
	}()
}

func (b *Bridge) ingest(req *models.LogRequest, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
	defer cancel()

	result, err := b.ingester.Ingest(ctx, req)
	if err != nil {
		log.Printf("❌ [MQTT] Ingest failed for %q on %s: %v", req.MachineID, topic, err)
		return
	}

	logging.WithTransport(logging.WithSession(result.MachineID, result.Day), "mqtt").Debug("reading ingested",
		"log_key", result.LogKey,
		"log_count", result.LogCount,
		"summary_generated", result.SummaryGenerated,
	)
}

// MachineIDFromTopic returns the segment following "machines/" in a topic
func MachineIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "machines" {
			return parts[i+1]
		}
	}
	return ""
}
