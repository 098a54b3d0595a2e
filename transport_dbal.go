package mqkit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	dbalHeaderMessageID   = "message_id"
	dbalHeaderContentType = "content_type"
	dbalHeaderTimestamp   = "timestamp"
)

// DbalConfig 数据库传输配置。
type DbalConfig struct {
	// DriverName 为 database/sql 驱动名，默认 "postgres"（lib/pq）。
	DriverName string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	Table      string `yaml:"table"`
	// PollingInterval 空队列时两次轮询的间隔（毫秒）。
	PollingInterval int `yaml:"polling_interval"`
	// OrphanTime 消费者持有消息超过该秒数即视为孤儿消息。
	OrphanTime int  `yaml:"orphan_time"`
	Lazy       bool `yaml:"lazy"`
}

func (c *DbalConfig) setDefaults() {
	if c.DriverName == "" {
		c.DriverName = "postgres"
	}
	if c.Table == "" {
		c.Table = "message_queue"
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 1000
	}
	if c.OrphanTime <= 0 {
		c.OrphanTime = 300
	}
}

// dbalConn 为 DbalConnection 与 DbalLazyConnection 的公共实现。
type dbalConn struct {
	cfg   DbalConfig
	table string

	mu     sync.Mutex
	db     *sql.DB
	open   func() (*sql.DB, error)
	closed bool
}

// DbalConnection 基于关系型数据库表的传输，连接在创建时已建立。
type DbalConnection struct{ *dbalConn }

// DbalLazyConnection 在首次使用时才打开数据库。
type DbalLazyConnection struct{ *dbalConn }

// NewDbalConnection 使用已打开的 *sql.DB 创建传输连接。
func NewDbalConnection(db *sql.DB, cfg DbalConfig) *DbalConnection {
	cfg.setDefaults()
	return &DbalConnection{&dbalConn{cfg: cfg, table: pq.QuoteIdentifier(cfg.Table), db: db}}
}

// OpenDbalConnection 按配置打开数据库并校验连通性。
func OpenDbalConnection(ctx context.Context, cfg DbalConfig) (*DbalConnection, error) {
	cfg.setDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: dbal dsn empty", ErrInvalidConfig)
	}
	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("dbal open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbal ping: %w", err)
	}
	return NewDbalConnection(db, cfg), nil
}

// NewDbalLazyConnection 创建延迟打开的连接；open 为 nil 时使用 sql.Open(cfg.DriverName, cfg.DSN)。
func NewDbalLazyConnection(cfg DbalConfig, open func() (*sql.DB, error)) *DbalLazyConnection {
	cfg.setDefaults()
	if open == nil {
		c := cfg
		open = func() (*sql.DB, error) { return sql.Open(c.DriverName, c.DSN) }
	}
	return &DbalLazyConnection{&dbalConn{cfg: cfg, table: pq.QuoteIdentifier(cfg.Table), open: open}}
}

func (*DbalConnection) Kind() string     { return KindDbal }
func (*DbalLazyConnection) Kind() string { return KindDbalLazy }

func (c *dbalConn) DB() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.db == nil {
		db, err := c.open()
		if err != nil {
			return nil, fmt.Errorf("dbal open: %w", err)
		}
		c.db = db
	}
	return c.db, nil
}

// Config 返回生效配置。
func (c *dbalConn) Config() DbalConfig { return c.cfg }

func (c *dbalConn) CreateSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return &dbalSession{c: c}, nil
}

func (c *dbalConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// CreateTable 创建消息表及索引（幂等）。
func (c *dbalConn) CreateTable(ctx context.Context) error {
	db, err := c.DB()
	if err != nil {
		return err
	}
	idx := pq.QuoteIdentifier(c.cfg.Table + "_queue_idx")
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			body BYTEA,
			headers TEXT,
			properties TEXT,
			redelivered BOOLEAN NOT NULL DEFAULT FALSE,
			queue VARCHAR(255) NOT NULL,
			priority SMALLINT NOT NULL DEFAULT 0,
			delayed_until BIGINT NULL, -- unix ms
			consumer_id VARCHAR(255) NULL,
			locked_at BIGINT NULL -- unix ms
		)`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue, consumer_id, priority, id)`, idx, c.table),
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("dbal create table: %w", err)
		}
	}
	return nil
}

// RedeliverOrphans 释放被超时消费者锁定的消息并标记为重投，返回受影响行数。
func (c *dbalConn) RedeliverOrphans(ctx context.Context, now time.Time) (int64, error) {
	db, err := c.DB()
	if err != nil {
		return 0, err
	}
	limit := now.Add(-time.Duration(c.cfg.OrphanTime) * time.Second).UnixMilli()
	res, err := db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET consumer_id = NULL, locked_at = NULL, redelivered = TRUE WHERE consumer_id IS NOT NULL AND locked_at < $1`,
		c.table), limit)
	if err != nil {
		return 0, fmt.Errorf("dbal redeliver orphans: %w", err)
	}
	return res.RowsAffected()
}

func (c *dbalConn) insert(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, queue string, msg *Message) error {
	headers := copyHeaders(msg.Headers)
	if msg.ID != "" {
		headers[dbalHeaderMessageID] = msg.ID
	}
	if msg.ContentType != "" {
		headers[dbalHeaderContentType] = msg.ContentType
	}
	if !msg.Timestamp.IsZero() {
		headers[dbalHeaderTimestamp] = strconv.FormatInt(msg.Timestamp.Unix(), 10)
	}
	hb, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	pb, err := json.Marshal(copyHeaders(msg.Properties))
	if err != nil {
		return err
	}
	var delayed sql.NullInt64
	if msg.Delay > 0 {
		delayed = sql.NullInt64{Int64: time.Now().Add(msg.Delay).UnixMilli(), Valid: true}
	}
	_, err = ex.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (body, headers, properties, redelivered, queue, priority, delayed_until) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.table), msg.Body, string(hb), string(pb), msg.Redelivered, queue, int(msg.Priority), delayed)
	if err != nil {
		return fmt.Errorf("dbal insert (queue=%s): %w", queue, err)
	}
	return nil
}

type dbalSession struct{ c *dbalConn }

func (s *dbalSession) CreateMessage(body []byte, properties, headers map[string]string) *Message {
	return newMessage(body, properties, headers)
}

// DeclareQueue 表结构共享，无需声明队列。
func (s *dbalSession) DeclareQueue(ctx context.Context, queue string) error { return nil }

func (s *dbalSession) CreateProducer() (Sender, error) { return &dbalSender{c: s.c}, nil }

func (s *dbalSession) CreateConsumer(queue string) (Receiver, error) {
	return &dbalReceiver{c: s.c, queue: queue, consumerID: uuid.NewString(), ids: map[*Message]int64{}}, nil
}

func (s *dbalSession) Close() error { return nil }

type dbalSender struct{ c *dbalConn }

func (p *dbalSender) Send(ctx context.Context, queue string, msg *Message) error {
	db, err := p.c.DB()
	if err != nil {
		return err
	}
	return p.c.insert(ctx, db, queue, msg)
}

type dbalReceiver struct {
	c          *dbalConn
	queue      string
	consumerID string

	mu  sync.Mutex
	ids map[*Message]int64
}

func (r *dbalReceiver) Queue() string { return r.queue }

// ConsumerID 为写入 consumer_id 列的标识。
func (r *dbalReceiver) ConsumerID() string { return r.consumerID }

func (r *dbalReceiver) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	poll := time.Duration(r.c.cfg.PollingInterval) * time.Millisecond
	for {
		msg, err := r.claim(ctx)
		if err != nil || msg != nil {
			return msg, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		if poll < left {
			left = poll
		}
		if err := sleepCtx(ctx, left); err != nil {
			return nil, err
		}
	}
}

func (r *dbalReceiver) claim(ctx context.Context) (*Message, error) {
	db, err := r.c.DB()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	row := db.QueryRowContext(ctx, fmt.Sprintf(`UPDATE %[1]s SET consumer_id = $1, locked_at = $2
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue = $3 AND consumer_id IS NULL AND (delayed_until IS NULL OR delayed_until <= $2)
			ORDER BY priority DESC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, body, headers, properties, redelivered, priority`, r.c.table), r.consumerID, now, r.queue)

	var (
		id          int64
		body        []byte
		headers     sql.NullString
		properties  sql.NullString
		redelivered bool
		priority    int
	)
	if err := row.Scan(&id, &body, &headers, &properties, &redelivered, &priority); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dbal receive (queue=%s): %w", r.queue, err)
	}
	msg := &Message{Body: body, Redelivered: redelivered, Priority: Priority(priority)}
	msg.Headers = map[string]string{}
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &msg.Headers); err != nil {
			return nil, fmt.Errorf("dbal decode headers (id=%d): %w", id, err)
		}
	}
	msg.Properties = map[string]string{}
	if properties.Valid && properties.String != "" {
		if err := json.Unmarshal([]byte(properties.String), &msg.Properties); err != nil {
			return nil, fmt.Errorf("dbal decode properties (id=%d): %w", id, err)
		}
	}
	msg.ID = msg.Headers[dbalHeaderMessageID]
	msg.ContentType = msg.Headers[dbalHeaderContentType]
	if ts, err := strconv.ParseInt(msg.Headers[dbalHeaderTimestamp], 10, 64); err == nil {
		msg.Timestamp = time.Unix(ts, 0)
	}
	delete(msg.Headers, dbalHeaderMessageID)
	delete(msg.Headers, dbalHeaderContentType)
	delete(msg.Headers, dbalHeaderTimestamp)

	r.mu.Lock()
	r.ids[msg] = id
	r.mu.Unlock()
	return msg, nil
}

func (r *dbalReceiver) take(msg *Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[msg]
	if !ok {
		return 0, fmt.Errorf("dbal: message was not received by this consumer")
	}
	delete(r.ids, msg)
	return id, nil
}

func (r *dbalReceiver) Acknowledge(ctx context.Context, msg *Message) error {
	id, err := r.take(msg)
	if err != nil {
		return err
	}
	db, err := r.c.DB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.c.table), id); err != nil {
		return fmt.Errorf("dbal ack (id=%d): %w", id, err)
	}
	return nil
}

// Reject 删除原记录；requeue 时在同一事务中以 redelivered 重新插入到队尾。
func (r *dbalReceiver) Reject(ctx context.Context, msg *Message, requeue bool) error {
	id, err := r.take(msg)
	if err != nil {
		return err
	}
	db, err := r.c.DB()
	if err != nil {
		return err
	}
	if !requeue {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.c.table), id); err != nil {
			return fmt.Errorf("dbal reject (id=%d): %w", id, err)
		}
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbal begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.c.table), id); err != nil {
		return fmt.Errorf("dbal reject (id=%d): %w", id, err)
	}
	cp := msg.Clone()
	cp.Redelivered = true
	if err := r.c.insert(ctx, tx, r.queue, cp); err != nil {
		return err
	}
	return tx.Commit()
}
