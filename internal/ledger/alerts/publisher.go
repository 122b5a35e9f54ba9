// Package alerts delivers budget threshold alerts to the notification
// collaborator. The engine only sees the Publisher port; tests swap in the
// in-memory sink.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"bursary/internal/ledger/models"
)

// Publisher emits one alert. Emission failures must not abort the ledger
// apply that raised the alert; callers log and continue.
type Publisher interface {
	Publish(ctx context.Context, alert models.Alert) error
}

// payload is the wire contract consumed by the notification service.
type payload struct {
	BudgetID  string    `json:"budgetId"`
	AlertType string    `json:"alertType"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// KafkaPublisher produces alerts to a Kafka topic.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

func NewKafkaPublisher(client *kgo.Client, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, alert models.Alert) error {
	value, err := json.Marshal(payload{
		BudgetID:  alert.BudgetAccountID,
		AlertType: string(alert.Type),
		Severity:  alert.Severity,
		Message:   alert.Message,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(alert.BudgetAccountID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce alert: %w", err)
	}
	return nil
}

// MemoryPublisher collects alerts for assertions in tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, alert models.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

// Published returns a copy of everything emitted so far.
func (p *MemoryPublisher) Published() []models.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Alert{}, p.alerts...)
}
