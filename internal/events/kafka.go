package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
)

// KafkaPublisher writes trip events keyed by trip id and driver locations
// keyed by driver id, so each key stays ordered within its partition.
type KafkaPublisher struct {
	trips     *kafka.Writer
	locations *kafka.Writer
}

func NewKafkaPublisher(brokers []string, tripTopic, locationTopic string) *KafkaPublisher {
	return &KafkaPublisher{
		trips:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: tripTopic, Balancer: &kafka.Hash{}}),
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
	}
}

func (k *KafkaPublisher) PublishTrip(ctx context.Context, ev models.TripEvent) error {
	msg, err := tripMessage(ev)
	if err != nil {
		return err
	}
	return k.trips.WriteMessages(ctx, msg)
}

func (k *KafkaPublisher) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	err := k.trips.Close()
	if lerr := k.locations.Close(); err == nil {
		err = lerr
	}
	return err
}

func tripMessage(ev models.TripEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.TripID),
		Value: b,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "phase", Value: []byte(ev.To)},
		},
	}, nil
}
