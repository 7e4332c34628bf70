// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	log "github.com/inconshreveable/log15"
	jsoniter "github.com/json-iterator/go"

	"github.com/ava-labs/substratevm/config"
	"github.com/ava-labs/substratevm/executor"
	"github.com/ava-labs/substratevm/service"
)

const (
	rpcPath     = "/ext/" + service.Name
	metricsPath = "/metrics"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           name,
		Short:         "Deterministic transaction execution over a versioned substate store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	v, err := getViper(root)
	if err != nil {
		return nil, err
	}
	root.AddCommand(
		newServeCommand(v),
		newRunCommand(v),
		newStateRootCommand(v),
		newVersionCommand(),
	)
	return root, nil
}

// withNode loads the configuration, opens a node and passes it to [fn].
func withNode(v *viper.Viper, fn func(*node, config.Config) error) error {
	c, err := config.Load(v)
	if err != nil {
		return err
	}
	setupLogging(c)
	n, err := openNode(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Error("failed to close node", "error", err)
		}
	}()
	return fn(n, c)
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-RPC API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(v, func(n *node, c config.Config) error {
				return serve(cmd.Context(), n, c)
			})
		},
	}
}

func serve(ctx context.Context, n *node, c config.Config) error {
	handler, err := service.NewHandler(service.New(n.db, n.executor))
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(rpcPath, handler)
	mux.Handle(metricsPath, promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              c.HTTPAddress(),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down http server", "error", err)
		}
	}()

	log.Info("serving", "address", server.Addr, "rpc", rpcPath, "metrics", metricsPath)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run [manifest...]",
		Short: "Execute manifest files in order and print their receipts",
		Long:  "Execute manifest files in order and print their receipts. A manifest named - is read from stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(v, func(n *node, _ config.Config) error {
				return runManifests(n.executor, args, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

func runManifests(exec *executor.Executor, paths []string, stdin io.Reader, out io.Writer) error {
	for _, path := range paths {
		var (
			b   []byte
			err error
		)
		if path == "-" {
			b, err = io.ReadAll(stdin)
		} else {
			b, err = os.ReadFile(path)
		}
		if err != nil {
			return fmt.Errorf("couldn't read manifest %q: %w", path, err)
		}
		receipt, err := exec.Execute(b)
		if err != nil {
			return fmt.Errorf("manifest %q: %w", path, err)
		}
		encoded, err := json.MarshalIndent(receipt, "", "  ")
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, string(encoded)); err != nil {
			return err
		}
	}
	return nil
}

func newStateRootCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "state-root",
		Short: "Print the latest committed version and state root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(v, func(n *node, _ config.Config) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", n.db.Version(), n.db.StateRoot())
				return err
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s@%s\n", name, Version)
		},
	}
}
