package main

import (
	"context"
	"fmt"
	"log/slog"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/internal/config"
	"github.com/glimte/mmate-amqp/internal/journal"
)

// declareTopology opens one channel per configured entry and declares its
// exchanges, queues, bindings and consumers. Lifecycle callbacks log every
// interruption and recovery, and broker channel closes go to the journal.
func declareTopology(ctx context.Context, conn *mmate.Connection, channels []config.ChannelConfig, logger *slog.Logger, events *journal.Journal) ([]*mmate.Channel, error) {
	opened := make([]*mmate.Channel, 0, len(channels))
	for _, cc := range channels {
		ch, err := conn.OpenChannel(ctx)
		if err != nil {
			return opened, fmt.Errorf("open channel %s: %w", cc.Name, err)
		}
		opened = append(opened, ch)
		ch.SetAutoRecovery(cc.AutoRecoveryEnabled())

		log := logger.With("channel", cc.Name, "channelId", ch.ID())
		watchChannel(ch, log, events)

		for _, ec := range cc.Exchanges {
			ex, err := ch.ExchangeDeclare(ctx, mmate.ExchangeSpec{
				Name:       ec.Name,
				Kind:       ec.Type,
				Durable:    ec.Durable,
				AutoDelete: ec.AutoDelete,
				Internal:   ec.Internal,
			})
			if err != nil {
				return opened, fmt.Errorf("%s: %w", cc.Name, err)
			}
			ex.AfterRecovery(func(ex *mmate.Exchange) {
				log.Debug("exchange recovered", "exchange", ex.Name())
			})
		}

		for _, qc := range cc.Queues {
			if err := declareQueue(ctx, ch, qc, log); err != nil {
				return opened, fmt.Errorf("%s: %w", cc.Name, err)
			}
		}
	}
	return opened, nil
}

func declareQueue(ctx context.Context, ch *mmate.Channel, qc config.QueueConfig, log *slog.Logger) error {
	q, err := ch.QueueDeclare(ctx, mmate.QueueSpec{
		Name:       qc.Name,
		Durable:    qc.Durable,
		AutoDelete: qc.AutoDelete,
		Exclusive:  qc.Exclusive,
	})
	if err != nil {
		return err
	}
	q.OnConnectionInterruption(func(q *mmate.Queue) {
		log.Debug("queue interrupted", "queue", q.Name())
	})
	q.AfterRecovery(func(q *mmate.Queue) {
		log.Debug("queue recovered", "queue", q.Name())
	})

	for _, bc := range qc.Bindings {
		if err := q.Bind(ctx, bc.Exchange, bc.RoutingKey, nil); err != nil {
			return err
		}
	}

	for _, cc := range qc.Consumers {
		cons, err := q.Consume(ctx, mmate.ConsumeOptions{
			Tag:       cc.Tag,
			AutoAck:   cc.AutoAck,
			Exclusive: cc.Exclusive,
		}, func(d mmate.Delivery) {
			log.Debug("delivery", "queue", q.Name(), "routingKey", d.RoutingKey, "size", len(d.Body))
		})
		if err != nil {
			return err
		}
		cons.AfterRecovery(func(cons *mmate.Consumer) {
			log.Debug("consumer recovered", "queue", cons.Queue().Name(), "tag", cons.Tag())
		})
	}
	return nil
}

func watchChannel(ch *mmate.Channel, log *slog.Logger, events *journal.Journal) {
	ch.OnError(func(ch *mmate.Channel, info *mmate.CloseInfo) {
		_ = events.RecordClose(journal.EventChannelError, ch.Connection().Episode(), ch.ID(), mmate.ChannelProtocolError, info)
		log.Warn("channel closed by broker",
			"kind", mmate.ChannelProtocolError,
			"replyCode", info.ReplyCode,
			"replyText", info.ReplyText)
	})
	ch.OnConnectionInterruption(func(*mmate.Channel) {
		log.Info("channel interrupted")
	})
	ch.BeforeRecovery(func(*mmate.Channel) {
		log.Info("channel recovery started")
	})
	ch.AfterRecovery(func(ch *mmate.Channel) {
		log.Info("channel recovered", "queues", len(ch.Queues()), "exchanges", len(ch.Exchanges()))
	})
}
