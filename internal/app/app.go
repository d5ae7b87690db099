// Package app wires configuration into the clients, sinks and notifiers
// shared by the commands.
package app

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/condo"
	"github.com/berniyo/condo-qrpay/internal/config"
	"github.com/berniyo/condo-qrpay/internal/credentials"
	"github.com/berniyo/condo-qrpay/internal/notify"
	"github.com/berniyo/condo-qrpay/internal/qrpay"
	"github.com/berniyo/condo-qrpay/internal/receipts"
)

// NewClient builds an authenticated client backed by store. Token refresh
// goes through a separate unauthenticated client.
func NewClient(cfg config.API, store credentials.Store, log logrus.FieldLogger) (*condo.Client, *credentials.Provider) {
	refresher := condo.NewClientFromConfig(cfg, nil, condo.WithLogger(log))
	provider := credentials.NewProvider(store, refresher)
	return condo.NewClientFromConfig(cfg, provider, condo.WithLogger(log)), provider
}

// ForceApproveAllowed reports whether forced approvals may run. They are
// never allowed in production.
func ForceApproveAllowed(cfg *config.Config) bool {
	return cfg.Poll.AllowForceApprove && cfg.App.Env != "production"
}

// Notifier returns the configured outcome notifiers, or nil when none is
// set. The returned close func flushes the Kafka writer.
func Notifier(cfg *config.Config, log logrus.FieldLogger) (qrpay.Notifier, func() error, error) {
	var notifiers notify.Multi
	closeFn := func() error { return nil }

	retry := notify.RetryConfigFrom(cfg.Kafka)

	if cfg.Callback.URL != "" {
		sender, err := notify.NewHTTPSCallbackSender(cfg.Callback.URL, cfg.Callback.Secret, nil,
			notify.WithCallbackRetry(retry),
			notify.WithCallbackLogger(log),
		)
		if err != nil {
			return nil, closeFn, fmt.Errorf("configure callback sender: %w", err)
		}
		notifiers = append(notifiers, sender)
	}

	if len(cfg.Kafka.BrokerList()) > 0 {
		writer, err := notify.NewKafkaWriter(cfg.Kafka)
		if err != nil {
			return nil, closeFn, fmt.Errorf("configure kafka writer: %w", err)
		}
		notifiers = append(notifiers, notify.NewKafkaPublisher(writer, cfg.Kafka.Topic, retry, log))
		closeFn = writer.Close
	}

	switch len(notifiers) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return notifiers[0], closeFn, nil
	}
	return notifiers, closeFn, nil
}

// ReceiptSink prefers MinIO when an endpoint is configured, then a local
// directory. It returns nil when neither is set.
func ReceiptSink(cfg *config.Config) (receipts.Sink, error) {
	switch {
	case cfg.Minio.Endpoint != "":
		if cfg.Minio.AccessKey == "" || cfg.Minio.SecretKey == "" {
			return nil, errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
		}
		client, err := receipts.NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		sink, err := receipts.NewMinioSink(client, cfg.Minio.Bucket)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case cfg.Receipts.Dir != "":
		sink, err := receipts.NewDirSink(cfg.Receipts.Dir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, nil
}
