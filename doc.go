// Package mqkit 提供与传输无关的消息队列客户端：按名称注册的传输工厂（null/memory/dbal/amqp/redis），
// 按连接类型选择的 Driver，主题路由的 Producer 与 RouterProcessor，带扩展钩子的 QueueConsumer，
// 以及重投延时、容器重置、任务过期检测与定时调度。
//
// 入口为 MessageQueueExtension.Load（或 New），它根据 Config 装配 Container。
package mqkit
