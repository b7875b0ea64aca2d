// Command pozk-miner runs one miner-orchestrator node: Scanner, Orchestrator,
// TxPool, telemetry, and the admin HTTP surface, wired together from either
// a YAML config file or individual flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/pozk-network/miner-orchestrator/internal/config"
	"github.com/pozk-network/miner-orchestrator/internal/logx"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pozk-miner",
	Short:   "Runs a POZK miner-orchestrator node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pozk-miner version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logx.Init(logx.Config{Level: logx.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the miner-orchestrator, either from --config or individual flags",
	RunE:  runE,
}

func init() {
	runCmd.Flags().String("config", "", "path to a YAML config file; overrides all other flags when set")
	runCmd.Flags().String("base-path", "", "base directory for job files and the BoltDB store")
	runCmd.Flags().String("server", "", "this miner's public URL; when set, url-type provers are admitted (reachability is not checked)")
	runCmd.Flags().String("miner", "", "this miner's on-chain address")
	runCmd.Flags().String("controller", "", "active controller wallet address; its private key must already be in the store")
	runCmd.Flags().String("endpoints", "", "semicolon-separated chain RPC endpoints")
	runCmd.Flags().String("network", "localhost", "network name: localhost, testnet, or mainnet")
	runCmd.Flags().String("docker-proxy", "", "zero-gas proxy URL; direct RPC submission if unset")
	runCmd.Flags().Int("parallel", 1, "container parallelism cap")
	runCmd.Flags().String("http-addr", ":8080", "admin HTTP listen address")
	runCmd.Flags().String("jwt-secret", "", "HS512 signing secret for admin JWTs")
	runCmd.Flags().StringSlice("allowed-login-domain", nil, "EIP-712 domain accepted by POST /login; repeatable")
}

func runE(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	return node.Run(ctx)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.Load(path)
	}

	basePath, _ := cmd.Flags().GetString("base-path")
	server, _ := cmd.Flags().GetString("server")
	miner, _ := cmd.Flags().GetString("miner")
	controller, _ := cmd.Flags().GetString("controller")
	endpointsFlag, _ := cmd.Flags().GetString("endpoints")
	network, _ := cmd.Flags().GetString("network")
	proxyURL, _ := cmd.Flags().GetString("docker-proxy")
	parallel, _ := cmd.Flags().GetInt("parallel")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
	allowedDomains, _ := cmd.Flags().GetStringSlice("allowed-login-domain")

	cfg := &config.Config{
		BasePath:            basePath,
		MinerURL:            server,
		Miner:               common.HexToAddress(miner),
		Controller:          common.HexToAddress(controller),
		Endpoints:           splitSemicolon(endpointsFlag),
		Network:             network,
		ZeroGasProxyURL:     proxyURL,
		ParallelCap:         parallel,
		HTTPAddr:            httpAddr,
		JWTSecret:           jwtSecret,
		AllowedLoginDomains: allowedDomains,
	}
	return cfg, nil
}

func splitSemicolon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
