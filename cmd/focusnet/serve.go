// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neurolearn/focusnet/internal/log"
	"github.com/neurolearn/focusnet/internal/server"
	"github.com/pkg/errors"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	flagEnv := flags.String("env", ".env", "File with environment variables to load, if it exists.")
	flagModel := flags.String("model", "", "Model directory to serve. Overrides MODEL_DIR.")
	flagPort := flags.String("port", "", "Port to listen on. Overrides APP_PORT.")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := server.LoadConfig(*flagEnv)
	if err != nil {
		return err
	}
	if *flagModel != "" {
		cfg.ModelDir = *flagModel
	}
	if *flagPort != "" {
		cfg.Port = *flagPort
	}
	logger := log.NewLogger(log.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	log.Debug(log.Fields{"env": cfg.Env, "port": cfg.Port, "model_dir": cfg.ModelDir}, "Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv, err := server.NewServer(
		server.WithConfig(cfg),
		server.WithLogger(logger),
		server.WithModelDir(),
		server.WithDatabase(ctx),
	)
	if err != nil {
		return err
	}
	srv.RegisterHandlers()

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run()
	}()
	select {
	case err = <-runErr:
		log.Error(log.Fields{"error": err}, "Server stopped unexpectedly")
		return errors.WithMessage(err, "server stopped")
	case <-ctx.Done():
	}

	log.Info(log.Fields{"timeout": shutdownTimeout}, "Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.Fields{"error": err}, "Graceful shutdown failed")
		return errors.WithMessage(err, "failed to shut down")
	}
	log.Info(nil, "Server stopped")
	return nil
}

func runToken(args []string) error {
	flags := flag.NewFlagSet("token", flag.ExitOnError)
	flagEnv := flags.String("env", ".env", "File with environment variables to load, if it exists.")
	flagUser := flags.String("user", "", "User id to put in the token.")
	flagTTL := flags.Duration("ttl", 24*time.Hour, "Validity of the token.")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *flagUser == "" {
		return errors.New("-user must be set")
	}
	cfg, err := server.LoadConfig(*flagEnv)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	token, err := server.SignToken(cfg.JWTSecret, *flagUser, *flagTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
