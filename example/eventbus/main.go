package main

import (
	"context"
	"fmt"
	"time"

	mqkit "github.com/northseadl/mqkit"
)

func main() {
	ctx := context.Background()
	cfg := mqkit.Config{
		Transport: map[string]mqkit.TransportConfig{"memory": mqkit.MustTransportConfig(map[string]string{})},
		Client:    &mqkit.ClientSection{},
	}
	cfg.Consumer.ReceiveTimeout = 100
	c, err := mqkit.New(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = c.Close(ctx) }()

	bus, _ := c.EventBus()
	bus.Subscribe("order", "order.created.listener", "", mqkit.FilterByType("OrderCreated"), func(ctx context.Context, e mqkit.Event) error {
		fmt.Printf("[EventBus] %s %s: %s\n", e.Type, e.Subject, e.Payload)
		return nil
	})
	_ = bus.Publish(ctx, mqkit.Event{Topic: "order", Type: "OrderCreated", Subject: "o1", Payload: []byte(`{"total":10}`)})
	_ = bus.Publish(ctx, mqkit.Event{Topic: "order", Type: "OrderPaid", Subject: "o1"})

	consumer, _ := c.NewConsumer()
	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = consumer.Consume(runCtx, nil)
}
