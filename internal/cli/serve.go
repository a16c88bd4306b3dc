// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"modelfetch/internal/server"
	"modelfetch/pkg/modelfetch"
)

func newServeCmd(ro *RootOpts, version string) *cobra.Command {
	var (
		addr    string
		port    int
		origins []string
	)
	ff := &fetchFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server for remote download management",
		Long: `Starts an HTTP server exposing:
  - REST API for search and download management
  - WebSocket stream of live job events

Example:
  modelfetch serve
  modelfetch serve --port 3000 -o /srv/models`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, ro, ff)
			if err != nil {
				return err
			}

			orch, err := modelfetch.New(cfg)
			if err != nil {
				return err
			}
			defer orch.Cleanup()

			srv := server.New(server.Config{
				Addr:           addr,
				Port:           port,
				AllowedOrigins: origins,
				Version:        version,
			}, orch, cfg.Logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringSliceVar(&origins, "allowed-origins", nil, "CORS origins allowed to call the API")
	ff.register(cmd)

	return cmd
}
