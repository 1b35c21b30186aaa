// Command bt2cd runs a bt2c node: the validator registry, state machine,
// block store, mempool, and consensus engine wired together by
// internal/node. Its lifecycle management (godotenv-before-config,
// SIGINT/SIGTERM graceful shutdown) mirrors the teacher's
// initConsensusMiddleware/startConsensus/stopConsensus sequence
// (cmd/cli/consensus.go), trimmed to a single foreground process rather
// than a multi-command session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/config"
	"github.com/bt2c-network/bt2cd/internal/logging"
	"github.com/bt2c-network/bt2cd/internal/node"
)

var (
	envName         string
	dataDirFlag     string
	validatorKeyHex string
)

func main() {
	root := &cobra.Command{
		Use:   "bt2cd",
		Short: "bt2c reputation-weighted proof-of-stake node",
	}
	root.PersistentFlags().StringVar(&envName, "env", "", "config environment to merge over default.yaml (e.g. production)")
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "overrides node.data_dir from config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "start the node and block until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE:  runNode,
	}
	runCmd.Flags().StringVar(&validatorKeyHex, "validator-key", "", "hex-encoded secp256k1 validator private key; omitted runs observer-only")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "print chain tip and validator set size without starting consensus",
		Args:  cobra.NoArgs,
		RunE:  infoNode,
	}

	root.AddCommand(runCmd, infoCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigAndLogger loads .env (optional), then config.Load(envName), and
// builds the shared logger from the resolved log level, mirroring the
// teacher's godotenv.Load()-before-config bootstrap sequence.
func loadConfigAndLogger() (*config.Config, *logrus.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(envName)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Node.LogLevel), nil
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	opts := node.Options{DataDir: dataDirFlag, Log: log}
	if validatorKeyHex != "" {
		priv, err := bt2ccrypto.LoadPrivateKeyHex(validatorKeyHex)
		if err != nil {
			return fmt.Errorf("parse validator key: %w", err)
		}
		opts.ValidatorKey = priv
	}

	n, err := node.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	defer n.Store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigC
		log.Info("received shutdown signal, stopping node")
		cancel()
	}()
	defer signal.Stop(sigC)

	go relayEvents(ctx, n, logging.WithComponent(log, "cli"))

	fmt.Fprintln(cmd.OutOrStdout(), "bt2cd running, press Ctrl-C to stop")
	if err := n.Run(ctx); err != nil {
		return fmt.Errorf("node halted: %w", err)
	}
	return nil
}

// relayEvents logs high-level lifecycle events for an operator watching the
// foreground process; per-operation detail is already logged by the node's
// own components via the shared logger.
func relayEvents(ctx context.Context, n *node.Node, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.Events():
			if !ok {
				return
			}
			log.WithField("height", ev.Height).WithField("round", ev.Round).Infof("consensus event: %s", ev.Kind)
		}
	}
}

func infoNode(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	n, err := node.New(cfg, node.Options{DataDir: dataDirFlag, Log: log})
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	defer n.Store.Close()

	tip, _ := n.Store.Tip()
	height := n.State.Height()
	validators := len(n.Registry.All())

	fmt.Fprintf(cmd.OutOrStdout(), "state height: %d\nstore tip:    %d\nvalidators:   %d\n", height, tip, validators)
	return nil
}
