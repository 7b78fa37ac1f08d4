// Copyright 2024 kharf
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ecorp/shipyard/pkg/app"
	"github.com/ecorp/shipyard/pkg/reconcile"
	"github.com/grafana/pyroscope-go/godeltaprof"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type ServeCommandBuilder struct {
	config CliConfig
}

func (builder ServeCommandBuilder) Build() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the ecorp web application",
		Args:    cobra.NoArgs,
		PreRunE: builder.config.binder("serve.", "addr", "users-file", "session-key", "session-lifetime", "insecure-cookies"),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := builder.config
			log, err := config.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			users := app.Users{}
			if file := config.GetString("serve.users-file"); file != "" {
				users, err = app.LoadUsers(file)
				if err != nil {
					return err
				}
			}
			var sessionKey []byte
			if encoded := config.GetString("serve.session-key"); encoded != "" {
				sessionKey, err = base64.StdEncoding.DecodeString(encoded)
				if err != nil {
					return err
				}
			}
			server, err := app.New(log, app.Config{
				Addr:            config.GetString("serve.addr"),
				SessionKey:      sessionKey,
				SessionLifetime: config.GetDuration("serve.session-lifetime"),
				InsecureCookies: config.GetBool("serve.insecure-cookies"),
				Users:           users,
			})
			if err != nil {
				return err
			}
			return server.Start(cmd.Context())
		},
	}
	cmd.Flags().String("addr", app.DefaultAddr, "Listen address")
	cmd.Flags().String("users-file", "", "YAML file of users and their bcrypt password hashes")
	cmd.Flags().String("session-key", "", "Base64 encoded session cookie key, preferably set as SHIPYARD_SERVE_SESSION_KEY")
	cmd.Flags().Duration("session-lifetime", 30*time.Minute, "Lifetime of a login session")
	cmd.Flags().Bool("insecure-cookies", false, "Allow session cookies over plain http")
	return cmd
}

type WatchCommandBuilder struct {
	config CliConfig
}

func (builder WatchCommandBuilder) Build() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously apply the stack, periodically and whenever its files change",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := builder.config.bindStack()(cmd, args); err != nil {
				return err
			}
			return builder.config.bind(cmd, "watch.", "interval", "metrics-addr", "profiling")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			config := builder.config
			log, err := config.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			dir := config.GetString("stack.dir")
			vars, err := config.variables()
			if err != nil {
				return err
			}
			backend, err := config.backend(ctx)
			if err != nil {
				return err
			}
			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics, err := reconcile.NewMetrics(registry)
			if err != nil {
				return err
			}
			reconciler := &reconcile.Reconciler{
				Log:            log,
				Dir:            dir,
				Registry:       config.registry(ctx, log, filepath.Clean(dir)),
				Backend:        backend,
				Variables:      vars,
				WorkerPoolSize: config.GetInt("stack.workers"),
				Interval:       config.GetDuration("watch.interval"),
				Metrics:        metrics,
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return reconciler.Run(ctx)
			})
			if addr := config.GetString("watch.metrics-addr"); addr != "" {
				e := diagnosticsServer(registry, config.GetBool("watch.profiling"))
				eg.Go(func() error {
					log.Info("Serving metrics", "addr", addr)
					if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				eg.Go(func() error {
					<-ctx.Done()
					graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					return e.Shutdown(graceful)
				})
			}
			return eg.Wait()
		},
	}
	addStackFlags(cmd)
	cmd.Flags().Duration("interval", reconcile.DefaultInterval, "Time between periodic runs")
	cmd.Flags().String("metrics-addr", ":9090", "Listen address of /metrics, empty to disable")
	cmd.Flags().Bool("profiling", false, "Serve delta heap, mutex and block profiles under /debug/pprof on the metrics address")
	return cmd
}

type profiler interface {
	Profile(w io.Writer) error
}

// diagnosticsServer serves metrics and health of the watch loop.
func diagnosticsServer(registry prometheus.Gatherer, profiling bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if profiling {
		profiles := map[string]profiler{
			"delta_heap":  godeltaprof.NewHeapProfiler(),
			"delta_mutex": godeltaprof.NewMutexProfiler(),
			"delta_block": godeltaprof.NewBlockProfiler(),
		}
		for name, profile := range profiles {
			e.GET("/debug/pprof/"+name, func(c echo.Context) error {
				c.Response().Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
				c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
				c.Response().WriteHeader(http.StatusOK)
				return profile.Profile(c.Response())
			})
		}
	}
	return e
}
