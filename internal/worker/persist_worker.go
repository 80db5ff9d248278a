package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"bankchat/internal/persist"
	"bankchat/internal/platform/rabbitmq"
)

// Applier writes one persist command.
type Applier interface {
	Apply(ctx context.Context, cmd persist.Command) error
}

// PersistWorker drains the persist queue into MySQL.
type PersistWorker struct {
	conn      *amqp.Connection
	applier   Applier
	queueName string
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPersistWorker(conn *amqp.Connection, applier Applier, queueName string, logger *zap.Logger) *PersistWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistWorker{
		conn:      conn,
		applier:   applier,
		queueName: queueName,
		logger:    logger,
	}
}

func (w *PersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()
		w.consume(workerCtx, deliveries)
	}()

	w.logger.Info("persist worker started", zap.String("queue", w.queueName))
	return nil
}

// Acknowledger is the part of amqp.Delivery the worker needs.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (w *PersistWorker) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.Handle(ctx, d.Body, d.Redelivered, &d)
		}
	}
}

// Handle decodes and applies one delivery. Undecodable payloads are
// dropped; a failed write is requeued once and dropped on redelivery.
func (w *PersistWorker) Handle(ctx context.Context, body []byte, redelivered bool, ack Acknowledger) {
	var cmd persist.Command
	if err := sonic.Unmarshal(body, &cmd); err != nil {
		w.logger.Error("worker decode persist command failed", zap.Error(err))
		_ = ack.Nack(false, false)
		return
	}

	if err := w.applier.Apply(ctx, cmd); err != nil {
		w.logger.Error("worker apply persist command failed",
			zap.String("op", string(cmd.Op)),
			zap.String("user_id", cmd.UserID),
			zap.String("session_id", cmd.SessionID),
			zap.Bool("redelivered", redelivered),
			zap.Error(err),
		)
		_ = ack.Nack(false, !redelivered)
		return
	}
	_ = ack.Ack(false)
}

func (w *PersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
