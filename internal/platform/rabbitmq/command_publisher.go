package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	amqp "github.com/rabbitmq/amqp091-go"

	"bankchat/internal/persist"
)

// CommandPublisher enqueues persist commands on a durable queue. It keeps
// one channel open and reopens it after a channel error.
type CommandPublisher struct {
	conn      *amqp.Connection
	queueName string

	mu sync.Mutex
	ch *amqp.Channel
}

func NewCommandPublisher(conn *amqp.Connection, queueName string) *CommandPublisher {
	return &CommandPublisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *CommandPublisher) Submit(ctx context.Context, cmd persist.Command) error {
	return p.Publish(ctx, cmd)
}

func (p *CommandPublisher) Publish(ctx context.Context, cmd persist.Command) error {
	payload, err := sonic.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal persist command failed: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         string(cmd.Op),
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		_ = ch.Close()
		p.ch = nil
		return fmt.Errorf("publish persist command failed: %w", err)
	}
	return nil
}

func (p *CommandPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

func (p *CommandPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	if err := DeclareQueue(ch, p.queueName); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}
