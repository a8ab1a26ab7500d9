/*
Copyright 2024 The Tideflow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tideflow-io/tideflow/pkg/checkpoint"
	"github.com/tideflow-io/tideflow/pkg/engine"
	"github.com/tideflow-io/tideflow/pkg/shared/logging"
	"github.com/tideflow-io/tideflow/pkg/sinks"
	logsink "github.com/tideflow-io/tideflow/pkg/sinks/logger"
	redissink "github.com/tideflow-io/tideflow/pkg/sinks/redis"
	"github.com/tideflow-io/tideflow/pkg/sources"
	"github.com/tideflow-io/tideflow/pkg/sources/jetstream"
	"github.com/tideflow-io/tideflow/pkg/sources/kafka"
	"github.com/tideflow-io/tideflow/pkg/sources/memory"
	"github.com/tideflow-io/tideflow/pkg/state"
	"github.com/tideflow-io/tideflow/pkg/window"
	"github.com/tideflow-io/tideflow/pkg/window/strategy/fixed"
	"github.com/tideflow-io/tideflow/pkg/window/strategy/sliding"
)

func NewRunCommand() *cobra.Command {
	var configFile string

	command := &cobra.Command{
		Use:   "run",
		Short: "Run an aggregation pipeline from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetConfigFile(configFile)
			v.SetEnvPrefix("tideflow")
			v.AutomaticEnv()
			setRunDefaults(v)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config %q, %w", configFile, err)
			}

			log := logging.NewLogger().Named("run")
			if logFile := v.GetString("log.file"); logFile != "" {
				log = logging.NewFileLogger(logFile, v.GetInt("log.maxSizeMB"), v.GetInt("log.maxBackups")).Named("run")
			}
			ctx := logging.WithLogger(signalContext(), log)

			eng, cleanup, err := buildEngine(v, log)
			if err != nil {
				return err
			}
			defer cleanup()

			if addr := v.GetString("metricsAddr"); addr != "" {
				go serveMetrics(ctx, addr, log)
			}

			log.Infow("Starting pipeline", "config", configFile, "engine", eng.ID())
			return eng.Run(ctx)
		},
	}
	command.Flags().StringVarP(&configFile, "config", "c", "tideflow.yaml", "Path to the pipeline config file")
	return command
}

func setRunDefaults(v *viper.Viper) {
	v.SetDefault("aggregator", "count")
	v.SetDefault("allowedLateness", "0s")
	v.SetDefault("checkpointDir", "checkpoints")
	v.SetDefault("triggerInterval", "1s")
	v.SetDefault("maxRecordsPerBatch", 500)
	v.SetDefault("maxCommitRetries", 3)
	v.SetDefault("sink.type", "logger")
	v.SetDefault("sink.keyPrefix", "tideflow")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 3)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM so the
// engine can finish the in-flight cycle before exiting.
func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func buildEngine(v *viper.Viper, log *zap.SugaredLogger) (*engine.Engine, func(), error) {
	assigner, err := buildAssigner(v)
	if err != nil {
		return nil, nil, err
	}

	aggName := v.GetString("aggregator")
	agg, ok := state.New(aggName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown aggregator %q", aggName)
	}

	source, err := buildSource(v, log)
	if err != nil {
		return nil, nil, err
	}

	sink, err := buildSink(v, log)
	if err != nil {
		_ = source.Close()
		return nil, nil, err
	}

	cpStore, err := checkpoint.NewFSStore(v.GetString("checkpointDir"))
	if err != nil {
		_ = source.Close()
		_ = sink.Close()
		return nil, nil, err
	}

	opts := []engine.Option{
		engine.WithMaxRecordsPerBatch(v.GetInt64("maxRecordsPerBatch")),
		engine.WithMaxCommitRetries(v.GetInt("maxCommitRetries")),
		engine.WithLogger(log),
	}
	if interval := v.GetString("triggerInterval"); interval != "manual" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid triggerInterval %q, %w", interval, err)
		}
		opts = append(opts, engine.WithTriggerInterval(d))
	}

	eng, err := engine.NewEngine(source, sink, cpStore, assigner, agg, v.GetDuration("allowedLateness"), opts...)
	if err != nil {
		_ = source.Close()
		_ = sink.Close()
		_ = cpStore.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = source.Close()
		_ = sink.Close()
		_ = cpStore.Close()
	}
	return eng, cleanup, nil
}

func buildAssigner(v *viper.Viper) (window.Assigner, error) {
	size := v.GetDuration("window.size")
	if slide := v.GetDuration("window.slide"); slide > 0 && slide != size {
		return sliding.NewSliding(size, slide)
	}
	return fixed.NewFixed(size)
}

func buildSource(v *viper.Viper, log *zap.SugaredLogger) (sources.Sourcer, error) {
	name := v.GetString("source.name")
	if name == "" {
		name = "source"
	}
	switch t := v.GetString("source.type"); t {
	case "kafka":
		return kafka.NewKafkaSource(name, v.GetStringSlice("source.brokers"), v.GetString("source.topic"), kafka.WithLogger(log))
	case "jetstream":
		return jetstream.NewJetStreamSource(name, v.GetString("source.url"), v.GetString("source.stream"), jetstream.WithLogger(log))
	case "memory":
		return memory.NewMemorySource(name, 0), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", t)
	}
}

func buildSink(v *viper.Viper, log *zap.SugaredLogger) (sinks.Sinker, error) {
	name := v.GetString("sink.name")
	if name == "" {
		name = "sink"
	}
	switch t := v.GetString("sink.type"); t {
	case "redis":
		return redissink.NewRedisSink(name, v.GetStringSlice("sink.addrs"), redissink.WithKeyPrefix(v.GetString("sink.keyPrefix")), redissink.WithLogger(log))
	case "logger":
		return logsink.NewLogSink(name, logsink.WithLogger(log))
	default:
		return nil, fmt.Errorf("unknown sink type %q", t)
	}
}

func serveMetrics(ctx context.Context, addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infow("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("Metrics server failed", "err", err)
	}
}
