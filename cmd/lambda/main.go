package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/app"
	"github.com/berniyo/condo-qrpay/internal/config"
	"github.com/berniyo/condo-qrpay/internal/credentials"
	"github.com/berniyo/condo-qrpay/internal/logger"
	"github.com/berniyo/condo-qrpay/internal/qrpay"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)

	if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
		log.Fatal("CONDO_USERNAME and CONDO_PASSWORD must be set")
	}

	store := credentials.NewMemoryStore(credentials.Credential{})
	client, provider := app.NewClient(cfg.API, store, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.API.Timeout+5*time.Second)
	cred, err := client.Login(ctx, cfg.Auth.Username, cfg.Auth.Password)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("failed to log in to condo api")
	}
	if err := provider.Set(cred); err != nil {
		log.WithError(err).Fatal("failed to store credential")
	}

	notifier, closeNotifier, err := app.Notifier(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to configure notifiers")
	}
	defer closeNotifier()

	sink, err := app.ReceiptSink(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to configure receipt sink")
	}

	opts := []qrpay.Option{
		qrpay.WithProcessorPollConfig(qrpay.PollConfigFrom(cfg.Poll)),
		qrpay.WithLogger(log),
		qrpay.WithProcessorMetrics(qrpay.NewMetrics(prometheus.DefaultRegisterer)),
		qrpay.AllowForceApprove(app.ForceApproveAllowed(cfg)),
	}
	if notifier != nil {
		opts = append(opts, qrpay.WithNotifier(notifier))
	}
	if sink != nil {
		opts = append(opts, qrpay.WithProcessorReceiptSink(sink))
	}
	processor := qrpay.NewProcessor(client, opts...)

	lambda.Start(processor.Handle)
}
