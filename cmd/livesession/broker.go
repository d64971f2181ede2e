package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"livesession/internal/app"
)

func runBroker(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	host := flags.String("host", e.cfg.Broker.Host, "listen address")
	port := flags.Int("port", e.cfg.Broker.Port, "listen port")
	if err := flags.Parse(args); err != nil {
		return err
	}
	e.cfg.Broker.Host = *host
	e.cfg.Broker.Port = *port

	application, err := app.NewApplication(e.cfg, e.logger, e.metrics)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	fmt.Fprintf(e.stdout, "broker listening on %s%s/peerjs\n", application.Addr(), e.cfg.Broker.Path)

	<-ctx.Done()
	e.logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Stop(shutdownCtx)
}
