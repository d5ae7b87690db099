package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/app"
	"github.com/berniyo/condo-qrpay/internal/condo"
	"github.com/berniyo/condo-qrpay/internal/config"
	"github.com/berniyo/condo-qrpay/internal/credentials"
	"github.com/berniyo/condo-qrpay/internal/logger"
	"github.com/berniyo/condo-qrpay/internal/qrpay"
)

const usage = `usage: qrpay <command> [flags]

commands:
  login   log in and store the session (-username, -password)
  logout  forget the stored session
  me      show the logged in profile
  pay     confirm a payment by QR (-payment ID [-qr-out file] [-approve])
  stats   show the payments count
`

type cli struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  *credentials.FileStore
	client *condo.Client
	creds  *credentials.Provider
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)

	store := credentials.NewFileStore(cfg.Auth.TokenFile)
	client, provider := app.NewClient(cfg.API, store, log)
	c := &cli{cfg: cfg, log: log, store: store, client: client, creds: provider}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "login":
		err = c.login(ctx, args)
	case "logout":
		err = c.logout()
	case "me":
		err = c.me(ctx)
	case "pay":
		err = c.pay(ctx, args)
	case "stats":
		err = c.stats(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		entry := log.WithError(err).WithField("kind", condo.KindOf(err))
		if errors.Is(err, condo.ErrSessionExpired) || errors.Is(err, credentials.ErrNoCredential) {
			entry.Error("not logged in; run qrpay login")
		} else {
			entry.Error(condo.Message(err))
		}
		os.Exit(1)
	}
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", c.cfg.Auth.Username, "condo username")
	password := fs.String("password", c.cfg.Auth.Password, "condo password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *password == "" {
		return errors.New("username and password are required")
	}

	cred, err := c.client.Login(ctx, *username, *password)
	if err != nil {
		return err
	}
	if err := c.creds.Set(cred); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	c.log.WithField("file", c.store.Path()).Info("logged in")
	return c.me(ctx)
}

func (c *cli) logout() error {
	if err := c.creds.Clear(); err != nil {
		return err
	}
	return c.store.ClearSession()
}

func (c *cli) me(ctx context.Context) error {
	profile, err := c.client.Me(ctx)
	if err != nil {
		return err
	}
	if err := c.store.SaveSession(credentials.Session{User: profile.Raw, Roles: profile.RoleNames()}); err != nil {
		c.log.WithError(err).Warn("session profile not cached")
	}
	return printJSON(profile)
}

func (c *cli) stats(ctx context.Context) error {
	n, err := c.client.PaymentsCount(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]int{"payments": n})
}

func (c *cli) pay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pay", flag.ExitOnError)
	payment := fs.Int64("payment", 0, "payment id")
	qrOut := fs.String("qr-out", "", "write the QR image to this file")
	approve := fs.Bool("approve", false, "force the approval (development only)")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address while waiting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payment <= 0 {
		return errors.New("-payment is required")
	}

	reg := prometheus.NewRegistry()
	metrics := qrpay.NewMetrics(reg)
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	sink, err := app.ReceiptSink(c.cfg)
	if err != nil {
		return err
	}
	opts := []qrpay.SessionOption{
		qrpay.WithPollConfig(qrpay.PollConfigFrom(c.cfg.Poll)),
		qrpay.WithSessionLogger(c.log),
		qrpay.WithMetrics(metrics),
		qrpay.WithForceApprove(app.ForceApproveAllowed(c.cfg)),
		qrpay.OnStatus(func(st string) { c.log.WithField("status", st).Info("waiting for payment") }),
	}
	if sink != nil {
		opts = append(opts, qrpay.WithReceiptSink(sink))
	}
	session := qrpay.NewSession(c.client, condo.PaymentID(*payment), opts...)
	defer session.Close()
	go func() {
		<-ctx.Done()
		session.Close()
	}()

	attempt, err := session.Open(ctx)
	if err != nil {
		return err
	}
	c.log.WithField("attempt_id", attempt).Info("scan the QR to pay")

	if *qrOut != "" {
		img, err := session.QR()
		if err != nil {
			c.log.WithError(err).Warn("qr image not available")
		} else if err := os.WriteFile(*qrOut, img.Data, 0o600); err != nil {
			return fmt.Errorf("write qr image: %w", err)
		} else {
			c.log.WithFields(logrus.Fields{"file": *qrOut, "width": img.Width, "height": img.Height}).Info("qr image written")
		}
	}

	if *approve {
		approval, err := session.ForceApprove(ctx)
		if err != nil {
			return err
		}
		if approval.Location != "" {
			c.log.WithField("receipt", approval.Location).Info("receipt stored")
		}
	}

	outcome, err := session.Wait(ctx)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
