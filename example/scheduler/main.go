package main

import (
	"context"
	"fmt"
	"time"

	mqkit "github.com/northseadl/mqkit"
)

// 定时发送：每秒向 report.tick 发送一条消息。
func main() {
	ctx := context.Background()
	cfg := mqkit.Config{
		Transport: map[string]mqkit.TransportConfig{"memory": mqkit.MustTransportConfig(map[string]string{})},
		Client:    &mqkit.ClientSection{},
		Scheduler: mqkit.SchedulerConfig{Timezone: "UTC"},
	}
	cfg.Consumer.ReceiveTimeout = 100
	c, err := mqkit.New(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = c.Close(ctx) }()

	c.Subscribe("report.tick", "reporter", "", mqkit.ProcessorFunc(func(ctx context.Context, m *mqkit.Message, s mqkit.Session) (mqkit.Status, error) {
		fmt.Println("[Scheduler] tick:", string(m.Body))
		return mqkit.StatusAck, nil
	}))

	s, err := c.Scheduler()
	if err != nil {
		panic(err)
	}
	if _, err := s.AddMessage("*/1 * * * * *", "tick", "report.tick", "now"); err != nil {
		panic(err)
	}
	_ = s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	consumer, _ := c.NewConsumer()
	runCtx, cancel := context.WithTimeout(ctx, 3500*time.Millisecond)
	defer cancel()
	_ = consumer.Consume(runCtx, nil)
}
