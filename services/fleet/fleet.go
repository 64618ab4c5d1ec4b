// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command fleet runs the device fleet registry and telemetry store as a standalone service:
// the REST api with prometheus metrics, and the MQTT broker for devices.
//
// The service is configured through environment variables, see core/configuration.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"github.com/relabs-tech/fleetstore/core/configuration"
	"github.com/relabs-tech/fleetstore/core/logger"
	"github.com/relabs-tech/fleetstore/core/metrics"
	"github.com/relabs-tech/fleetstore/iot/fleet"
	"github.com/relabs-tech/fleetstore/iot/mqtt"
)

func main() {
	c, err := configuration.Load()
	if err != nil {
		panic(err)
	}
	logger.InitLogger(c.Level())
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	f, err := fleet.New(ctx, &fleet.Builder{Configuration: c, Metrics: m})
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			rlog.WithError(err).Errorln("cannot close backend")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", f.API)
	server := &http.Server{
		Addr:              c.HTTPAddress,
		Handler:           handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	broker := mqtt.NewBroker(&mqtt.Builder{
		Evaluator:  f.Evaluator,
		Ingestor:   f.Ingestor,
		Address:    c.MQTTAddress,
		CertFile:   c.MQTTCertFile,
		KeyFile:    c.MQTTKeyFile,
		CACertFile: c.MQTTCACertFile,
	})

	var wg sync.WaitGroup
	if janitor := f.Janitor(); janitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			janitor.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := broker.Run(ctx); err != nil {
			rlog.WithError(err).Errorln("mqtt broker failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rlog.WithError(err).Errorln("cannot shut down http server")
		}
	}()

	rlog.Infoln("listen on", c.HTTPAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rlog.WithError(err).Errorln("http server failed")
		stop()
	}
	wg.Wait()
	rlog.Infoln("stopped")
}
