package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/surgeproject/surge/internal/common"
	"github.com/surgeproject/surge/internal/common/health"
	"github.com/surgeproject/surge/internal/surge"
	"github.com/surgeproject/surge/internal/surge/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.SurgeConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/surge", userSpecifiedConfig)

	log.Info("Starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		log.Info("Received stop signal, shutting down")
		cancel()
	}()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	healthChecks := health.NewMultiChecker()
	healthMux := http.NewServeMux()
	healthMux.Handle("/health", health.NewHealthCheckHttpHandler(healthChecks))
	shutdownHealthServer := common.ServeHTTP(config.MetricsPort+1, healthMux)
	defer shutdownHealthServer()

	if err := surge.Serve(ctx, &config, healthChecks); err != nil && ctx.Err() == nil {
		log.Fatalf("Surge orchestrator failed: %s", err)
	}
}
