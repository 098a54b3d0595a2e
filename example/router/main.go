package main

import (
	"context"
	"fmt"
	"os"
	"time"

	mqkit "github.com/northseadl/mqkit"
)

// 主题路由：一条消息发送到 order.created，由两个订阅者分别处理。
func main() {
	ctx := context.Background()

	cfg := mqkit.Config{
		Transport: map[string]mqkit.TransportConfig{"memory": mqkit.MustTransportConfig(map[string]string{})},
		Client:    &mqkit.ClientSection{TraceableProducer: true},
	}
	if addr := os.Getenv("MQKIT_REDIS_ADDR"); addr != "" {
		cfg.Transport = map[string]mqkit.TransportConfig{"redis": mqkit.MustTransportConfig(mqkit.RedisConfig{Addr: addr})}
		fmt.Println("[Router] 使用 Redis:", addr)
	} else {
		fmt.Println("[Router] 使用进程内传输")
	}
	cfg.Consumer.ReceiveTimeout = 100

	c, err := mqkit.New(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = c.Close(ctx) }()

	printer := func(who string) mqkit.Processor {
		return mqkit.ProcessorFunc(func(ctx context.Context, m *mqkit.Message, s mqkit.Session) (mqkit.Status, error) {
			fmt.Printf("[Router] %s 收到: %s\n", who, m.Body)
			return mqkit.StatusAck, nil
		})
	}
	c.Subscribe("order.created", "mailer", "", printer("mailer"))
	c.Subscribe("order.created", "stock", "stock", printer("stock"))

	p, _ := c.Producer()
	_ = p.Send(ctx, "order.created", map[string]interface{}{"id": 42})

	if tp, ok := c.TraceableProducer(); ok {
		fmt.Println("[Router] 已发送:", len(tp.Traces()))
	}

	consumer, err := c.NewConsumer()
	if err != nil {
		panic(err)
	}
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = consumer.Consume(runCtx, nil)
	fmt.Println("[Router] 结束")
}
