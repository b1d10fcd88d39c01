package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { c.closed = true; return nil }

func TestPublishLocationKeyedByDriver(t *testing.T) {
	w := &captureWriter{}
	k := &KafkaProducer{locations: w}
	loc := models.DriverLocation{DriverID: "d7", Loc: models.Coord{Lat: 1.5, Lon: 2.5}}

	if err := k.PublishLocation(context.Background(), loc); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d7" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.DriverLocation
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got != loc {
		t.Fatalf("payload mismatch: %+v %v", got, err)
	}
}

func TestPublishRideEventWithoutTopicIsNoop(t *testing.T) {
	k := &KafkaProducer{locations: &captureWriter{}}
	if err := k.PublishRideEvent(context.Background(), models.RideEvent{RideID: "r1"}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestPublishRideEventAndClose(t *testing.T) {
	loc, ev := &captureWriter{}, &captureWriter{}
	k := &KafkaProducer{locations: loc, events: ev}
	e := models.RideEvent{Type: "ride.matched", RideID: "r1", DriverID: "d1", Status: models.StatusMatched, At: time.Now()}

	if err := k.PublishRideEvent(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ev.msgs) != 1 || string(ev.msgs[0].Key) != "r1" {
		t.Fatalf("unexpected messages %+v", ev.msgs)
	}
	_ = k.Close()
	if !loc.closed || !ev.closed {
		t.Fatal("both writers must be closed")
	}
}
