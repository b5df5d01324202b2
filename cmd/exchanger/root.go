package main

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dalfonso89/exchanger/internal/config"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/metrics"
	"github.com/dalfonso89/exchanger/internal/notify"
	"github.com/dalfonso89/exchanger/internal/resource"
	"github.com/dalfonso89/exchanger/internal/service"
)

const exchangerLongDesc string = `Exchanger keeps two linked currency amounts in sync using live
rates from exchangerate-api.com.

Run the server using:
  exchanger serve                      Serve the HTTP API
  exchanger rate UAH USD               Print one rate
  exchanger convert --amount 100       Convert once through the sync controller
  exchanger reference                  Print the reference rates`

const exchangerShortDesc string = "Exchanger - linked currency converter"

// rootOptions are the global flags shared by every subcommand
type rootOptions struct {
	logLevel  string
	logFormat string
}

// NewExchangerCmd builds the command tree
func NewExchangerCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "exchanger",
		Short:         exchangerShortDesc,
		Long:          exchangerLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Override LOG_FORMAT (json, text)")

	cmd.AddCommand(NewServeCmd(opts))
	cmd.AddCommand(NewRateCmd(opts))
	cmd.AddCommand(NewConvertCmd(opts))
	cmd.AddCommand(NewReferenceCmd(opts))

	return cmd
}

// app is the wired object graph every command starts from
type app struct {
	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	notifier *notify.Registry
	client   *resource.Client
	rates    *service.CurrenciesService
}

// bootstrap loads configuration and wires the rate client and facade
func bootstrap(opts *rootOptions, logOutput io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}

	log := logger.NewWithOutput(cfg.LogLevel, cfg.LogFormat, logOutput)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	notifier := notify.NewRegistry()
	client := resource.NewClientFromConfig(cfg.ExchangeRateAPI, log, m, notifier)
	rates := service.NewCurrenciesService(cfg, client, log)

	return &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  m,
		notifier: notifier,
		client:   client,
		rates:    rates,
	}, nil
}
