package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/trip-dispatch/internal/models"
)

// AMQPPublisher publishes to a durable topic exchange. Trip events use
// routing key trip.<phase>, locations use driver.location.
type AMQPPublisher struct {
	exchange string

	mu   sync.Mutex // amqp channels are not safe for concurrent publish
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

func (a *AMQPPublisher) PublishTrip(ctx context.Context, ev models.TripEvent) error {
	return a.publish(ctx, TripRoutingKey(ev.To), ev.TripID, ev)
}

func (a *AMQPPublisher) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	return a.publish(ctx, "driver.location", loc.DriverID, loc)
}

func (a *AMQPPublisher) publish(ctx context.Context, key, correlationID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
}

func (a *AMQPPublisher) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.ch.Close()
	return a.conn.Close()
}

// TripRoutingKey maps a phase to its routing key, e.g. trip.en_route_to_pickup.
func TripRoutingKey(p models.Phase) string {
	return "trip." + strings.ToLower(string(p))
}
