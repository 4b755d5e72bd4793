package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	zerologadapter "github.com/mihaimyh/goallowance/pkg/allowance/logger/zerolog"
	"github.com/mihaimyh/goallowance/pkg/api"
	"github.com/mihaimyh/goallowance/pkg/billing"
	billingprom "github.com/mihaimyh/goallowance/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goallowance/pkg/billing/stripe"
)

const shutdownTimeout = 15 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the allowance HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	router, err := a.router()
	if err != nil {
		return err
	}

	listen := a.cfg.Listen
	if serveListen != "" {
		listen = serveListen
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("listen", listen).Msg("allowance server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// router mounts the allowance API, the Stripe webhook and /metrics
func (a *app) router() (http.Handler, error) {
	logger := zerologadapter.NewLogger(a.log)

	handler, err := api.NewHandler(api.Config{
		Resolver:    a.resolver,
		HealthCheck: a.ping,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	r := handler.Routes()

	if a.cfg.Metrics.Enabled {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	}

	if sc := a.cfg.Billing.Stripe; sc.Enabled() {
		var metrics billing.Metrics
		if a.cfg.Metrics.Enabled {
			metrics = billingprom.NewMetrics(a.registry, a.cfg.Metrics.Namespace)
		}
		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Profiles:    a.storage,
				Invalidator: a.resolver,
				PlanMapping: sc.PlanMapping(),
				Metrics:     metrics,
				Logger:      logger,
			},
			StripeAPIKey:        sc.APIKey,
			StripeWebhookSecret: sc.WebhookSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stripe provider: %w", err)
		}
		r.Handle("/webhooks/stripe", provider.WebhookHandler())
		a.log.Info().Int("premiumPrices", len(sc.PremiumPrices)).Msg("stripe plan sync enabled")
	}

	return r, nil
}
