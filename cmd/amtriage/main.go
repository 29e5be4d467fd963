// Copyright The Amtriage Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/route"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/amtriage/amtriage/api"
	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/enrich"
	"github.com/amtriage/amtriage/grouping"
	"github.com/amtriage/amtriage/investigate"
	"github.com/amtriage/amtriage/notify"
	"github.com/amtriage/amtriage/notify/relay"
	"github.com/amtriage/amtriage/notify/slack"
	"github.com/amtriage/amtriage/notify/webhook"
	"github.com/amtriage/amtriage/poll"
	"github.com/amtriage/amtriage/store"
	"github.com/amtriage/amtriage/tracing"
	"github.com/amtriage/amtriage/upstream"
)

func main() {
	os.Exit(func() int {
		a := kingpin.New(os.Args[0], "The enriching alert proxy.")
		a.Version(version.Print("amtriage"))
		a.HelpFlag.Short('h')

		configFile := a.Flag("config.file", "amtriage configuration file name.").
			Default("amtriage.yml").String()
		corsOrigin := a.Flag("web.cors.origin", `Origin regex for CORS requests, fully anchored ('https?://(domain1|domain2)\.com').`).
			Default(".*").String()
		toolkitFlags := webflag.AddFlags(a, ":9095")

		promslogConfig := &promslog.Config{}
		promslogflag.AddFlags(a, promslogConfig)

		if _, err := a.Parse(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			a.Usage(os.Args[1:])
			return 2
		}

		logger := promslog.New(promslogConfig)
		if err := runMain(*configFile, *corsOrigin, toolkitFlags, logger); err != nil {
			logger.Error("amtriage failed", "err", err)
			return 1
		}
		return 0
	}())
}

func runMain(configFile, corsOrigin string, toolkitFlags *web.FlagConfig, logger *slog.Logger) error {
	logger.Info("Starting amtriage", "version", version.Info())
	logger.Info("Build context", "build_context", version.BuildContext())

	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	); err != nil {
		logger.Warn("Failed to set GOMEMLIMIT automatically", "err", err)
	}

	corsRegex, err := regexp.Compile("^(?:" + corsOrigin + ")$")
	if err != nil {
		return fmt.Errorf("compiling CORS origin regex: %w", err)
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("amtriage"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing != nil {
		shutdown, err := tracing.New(ctx, logger, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("Failed to shut down tracer provider", "err", err)
			}
		}()
	}

	alerts := store.NewAlerts()
	alerts.RegisterMetrics(registry)

	investigator, err := investigate.NewClient(cfg.Investigator, logger)
	if err != nil {
		return fmt.Errorf("building investigator client: %w", err)
	}

	queue := enrich.NewQueue(
		alerts,
		investigator,
		cfg.EnrichWorkers,
		cfg.EnrichQueueCap,
		time.Duration(cfg.EnrichTimeout),
		nil,
		logger,
		enrich.NewQueueMetrics(registry),
	)

	fanout := notify.NewFanout(nil, logger, notify.NewFanoutMetrics(registry))
	for _, dc := range cfg.Destinations {
		dest, err := buildDestination(dc, logger)
		if err != nil {
			return fmt.Errorf("building destination %q: %w", dc.Name, err)
		}
		maxAttempts := dc.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = cfg.MaxAttempts
		}
		fanout.Add(dest, maxAttempts)
	}

	grouper := grouping.NewGrouper(
		alerts,
		investigator,
		fanout,
		queue.Completions(),
		cfg.VerifyFirstN,
		logger,
		grouping.NewGrouperMetrics(registry),
	)

	upstreamMetrics := upstream.NewMetrics(registry)
	poller := poll.NewPoller(
		alerts,
		queue,
		time.Duration(cfg.PollInterval),
		nil,
		logger,
		poll.NewPollerMetrics(registry),
	)
	sources, err := buildSources(cfg, logger, upstreamMetrics)
	if err != nil {
		return err
	}
	poller.UpdateSources(sources)

	apiv := api.New(alerts, queue, grouper, fanout, logger, api.NewMetrics(registry))
	router := route.New()
	apiv.Register(router)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", router)

	var handler http.Handler = cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			return corsRegex.MatchString(origin)
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Origin"},
	}).Handler(mux)
	if cfg.Tracing != nil {
		handler = otelhttp.NewHandler(handler, "amtriage")
	}

	srv := &http.Server{Handler: handler}

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		cancelc := make(chan struct{})
		g.Add(
			func() error {
				for {
					select {
					case sig := <-term:
						if sig == syscall.SIGHUP {
							reloadSources(configFile, poller, logger, upstreamMetrics)
							continue
						}
						logger.Info("Received signal, exiting gracefully", "signal", sig)
						// A stuck component must not hold the process
						// past the grace period.
						time.AfterFunc(time.Duration(cfg.ShutdownGrace), func() {
							logger.Error("Graceful shutdown timed out, exiting")
							os.Exit(1)
						})
						return nil
					case <-cancelc:
						return nil
					}
				}
			},
			func(error) { close(cancelc) },
		)
	}
	{
		g.Add(
			func() error {
				return web.ListenAndServe(srv, toolkitFlags, logger)
			},
			func(error) {
				sctx, scancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGrace))
				defer scancel()
				srv.Shutdown(sctx)
			},
		)
	}

	addActor := func(name string, f func(context.Context) error) {
		actx, acancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				logger.Debug("Starting component", "component", name)
				return f(actx)
			},
			func(error) { acancel() },
		)
	}
	addActor("poller", poller.Run)
	addActor("enrich", func(actx context.Context) error {
		queue.Run(actx)
		return nil
	})
	addActor("grouper", func(actx context.Context) error {
		grouper.Run(actx)
		return nil
	})
	addActor("notify", func(actx context.Context) error {
		fanout.Run(actx)
		return nil
	})

	apiv.SetReady(true)
	return g.Run()
}

func buildDestination(dc *config.DestinationConfig, logger *slog.Logger) (notify.Destination, error) {
	switch dc.Type {
	case config.DestinationChat:
		return slack.New(dc, logger)
	case config.DestinationRelay:
		return relay.New(dc, logger)
	case config.DestinationWebhook:
		return webhook.New(dc, logger)
	default:
		return nil, fmt.Errorf("unknown destination type %q", dc.Type)
	}
}

func buildSources(cfg *config.Config, logger *slog.Logger, m *upstream.Metrics) ([]*poll.Source, error) {
	sources := make([]*poll.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		client, err := upstream.New(sc, logger, m)
		if err != nil {
			return nil, fmt.Errorf("building client for source %q: %w", sc.ID, err)
		}
		sources = append(sources, &poll.Source{
			Client: client,
			Filter: upstream.FilterFromConfig(sc, cfg.MaxAlertsPerSource),
		})
	}
	return sources, nil
}

// reloadSources re-reads the configuration file and swaps the source set.
// Everything else keeps its boot-time configuration; a broken file leaves the
// running set untouched.
func reloadSources(configFile string, poller *poll.Poller, logger *slog.Logger, m *upstream.Metrics) {
	logger.Info("Reloading source configuration", "file", configFile)
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		logger.Error("Reload failed, keeping current sources", "err", err)
		return
	}
	sources, err := buildSources(cfg, logger, m)
	if err != nil {
		logger.Error("Reload failed, keeping current sources", "err", err)
		return
	}
	poller.UpdateSources(sources)
	logger.Info("Source configuration reloaded", "sources", len(sources))
}
