package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Songmu/retry"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/escalation"
	"github.com/pyama86/siren/domain/model"
	"github.com/segmentio/kafka-go"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Reporter interface {
	Report(ctx context.Context, sig entity.Signal) (*model.ReportResult, error)
}

// KafkaConsumer feeds signals from a topic into the engine. An offset is committed once the
// signal is reported, or when the message can never be reported (bad JSON, invalid signal).
type KafkaConsumer struct {
	reader        MessageReader
	reporter      Reporter
	retryInterval time.Duration
}

func NewKafkaConsumer(reader MessageReader, reporter Reporter) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, reporter: reporter, retryInterval: time.Second}
}

func (k *KafkaConsumer) SetRetryInterval(d time.Duration) {
	k.retryInterval = d
}

func (k *KafkaConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			slog.Error("failed to close kafka reader", slog.Any("err", err))
		}
	}()
	slog.Info("kafka consumer started")
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}
		for {
			err := k.handle(ctx, msg)
			if err == nil {
				break
			}
			// the offset stays uncommitted until the signal is reported
			slog.Error("failed to report signal from kafka",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Any("err", err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(k.retryInterval):
			}
		}
		if err := retry.Retry(3, time.Second, func() error {
			return k.reader.CommitMessages(ctx, msg)
		}); err != nil {
			return fmt.Errorf("commit kafka offset %d: %w", msg.Offset, err)
		}
	}
}

func (k *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var sig entity.Signal
	if err := json.Unmarshal(msg.Value, &sig); err != nil {
		slog.Warn("dropping malformed signal", slog.Int64("offset", msg.Offset), slog.Any("err", err))
		return nil
	}
	res, err := k.reporter.Report(ctx, sig)
	if errors.Is(err, escalation.ErrInvalidSignal) {
		slog.Warn("dropping invalid signal", slog.Int64("offset", msg.Offset), slog.Any("err", err))
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("signal reported",
		slog.String("type", sig.Type),
		slog.String("outcome", string(res.Outcome)),
		slog.String("incident_id", res.IncidentID),
	)
	return nil
}
