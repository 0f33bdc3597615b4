/*
Command submitd runs the mail submission and relay daemon: it reads a JSON configuration file,
builds the built-in policy host, and serves SMTP until interrupted.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/submitd/submitd/applog"
	"github.com/submitd/submitd/daemon"
	"github.com/submitd/submitd/policy"
)

var logger = applog.Logger{ComponentName: "main", ComponentID: []applog.IDField{{Key: "pid", Value: os.Getpid()}}}

func main() {
	configPath := flag.String("config", "/etc/submitd/config.json", "path to configuration file in JSON syntax")
	flag.Parse()

	cfg, err := daemon.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("", err, "failed to load configuration from %s", *configPath)
		return
	}

	host := policy.NewBuiltin(cfg.ServerName, cfg.TLSCertPath != "" && cfg.TLSKeyPath != "")

	d, err := daemon.New(cfg, host)
	if err != nil {
		logger.Fatal("", err, "failed to initialise daemon")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("", nil, "starting on %s, spooling to %s", cfg.ListenAddress, cfg.SpoolDir)
	if err := d.Run(ctx); err != nil {
		logger.Warning("", err, "daemon exited with an error")
		os.Exit(1)
	}
	logger.Info("", nil, "shut down cleanly")
}
