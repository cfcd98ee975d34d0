package worker

import (
	"context"
	"encoding/json"
	"errors"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CallbackHandler processes one verified-or-not payment callback
type CallbackHandler interface {
	HandlePaymentCallback(ctx context.Context, cb *models.PaymentCallback) (*models.CallbackResult, error)
}

// PaymentCallbackWorker ingests gateway callbacks relayed through Kafka
type PaymentCallbackWorker struct {
	consumer *broker.Consumer
	handler  CallbackHandler
	logger   *zap.Logger
}

// NewPaymentCallbackWorker creates a new payment callback worker
func NewPaymentCallbackWorker(consumer *broker.Consumer, handler CallbackHandler) *PaymentCallbackWorker {
	return &PaymentCallbackWorker{
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *PaymentCallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment callback worker")
	return w.consumer.StartConsuming(ctx, w.handle)
}

// Stop stops the worker
func (w *PaymentCallbackWorker) Stop() error {
	w.logger.Info("Stopping payment callback worker")
	return w.consumer.Close()
}

// handle returns an error only when the message must be redelivered. Malformed
// and rejected callbacks are dropped; the gateway redelivers on its own.
func (w *PaymentCallbackWorker) handle(ctx context.Context, msg kafka.Message) error {
	var form payment.CallbackForm
	if err := json.Unmarshal(msg.Value, &form); err != nil {
		w.logger.Warn("Dropping malformed payment callback",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	cb, err := payment.ParseCallback(&form)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues(service.ErrorReason(err)).Inc()
		w.logger.Warn("Dropping invalid payment callback",
			zap.String("order_id", form.TransactionID),
			zap.String("val_id", form.ValidationID),
			zap.Error(err))
		return nil
	}

	result, err := w.handler.HandlePaymentCallback(ctx, cb)
	if err != nil {
		if retryable(err) {
			return err
		}
		w.logger.Warn("Payment callback rejected",
			zap.String("order_id", cb.TransactionID),
			zap.String("val_id", cb.ValidationID),
			zap.Error(err))
		return nil
	}

	w.logger.Info("Payment callback handled",
		zap.String("order_id", result.OrderID),
		zap.String("status", result.Status))
	return nil
}

// retryable reports whether err is transient: lock contention or a store failure
func retryable(err error) bool {
	if errors.Is(err, models.ErrLockTimeout) {
		return true
	}
	return service.ErrorReason(err) == "internal"
}
