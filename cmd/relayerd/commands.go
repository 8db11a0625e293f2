package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pushchain/anchor-relayer/relayer/api"
	"github.com/pushchain/anchor-relayer/relayer/config"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	"github.com/pushchain/anchor-relayer/relayer/core"
	"github.com/pushchain/anchor-relayer/relayer/logger"
	"github.com/pushchain/anchor-relayer/relayer/withdraw"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

var (
	_ api.QueryService    = (*core.RelayerContext)(nil)
	_ api.WithdrawHandler = (*withdraw.Service)(nil)
)

func InitRootCmd(rootCmd *cobra.Command, v *viper.Viper) {
	rootCmd.AddCommand(startCmd(v))
	rootCmd.AddCommand(initCmd(v))
	rootCmd.AddCommand(versionCmd())
}

func startCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relayer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)

			rc, err := core.Build(&cfg, log)
			if err != nil {
				return fmt.Errorf("failed to build relayer: %w", err)
			}
			defer rc.Close()

			server := api.NewServer(rc, withdraw.NewService(rc, log), cfg.API, log)
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return core.NewRelayer(rc).Run(ctx)
		},
	}

	cmd.Flags().Int(flagLogLevel, 1, "log level, zerolog numbering (-1 trace .. 5 panic)")
	cmd.Flags().String(flagLogFormat, "console", "log format: json or console")
	cmd.Flags().Int(flagAPIPort, 9955, "query api port")
	cmd.Flags().Bool(flagEnableWebsocket, true, "serve the withdraw websocket")
	cmd.Flags().Bool(flagAllowMockSigner, false, "allow the local mock signing backend")
	cmd.Flags().String(flagSigningBackend, "", "signing backend: remote or mock")
	cmd.Flags().String(flagSigningEndpoint, "", "remote signer endpoint")
	for _, name := range []string{
		flagLogLevel, flagLogFormat, flagAPIPort, flagEnableWebsocket,
		flagAllowMockSigner, flagSigningBackend, flagSigningEndpoint,
	} {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func initCmd(v *viper.Viper) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the relayer home",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := v.GetString(flagHome)
			path := filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayerd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:       relayerd\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}

// loadConfig reads the config from the home directory and applies flag and
// RELAYER_* environment overrides.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString(flagHome))
	if err != nil {
		return config.Config{}, err
	}
	applyOverrides(v, &cfg)
	if err := config.Validate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyOverrides copies explicitly set flags and environment variables into cfg.
// Account secrets come from RELAYER_EVM_<id>_PRIVATE_KEY and RELAYER_SUBSTRATE_<id>_SURI.
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	if v.IsSet(flagLogLevel) {
		cfg.LogLevel = v.GetInt(flagLogLevel)
	}
	if v.IsSet(flagLogFormat) {
		cfg.LogFormat = v.GetString(flagLogFormat)
	}
	if v.IsSet(flagAPIPort) {
		cfg.API.Port = v.GetInt(flagAPIPort)
	}
	if v.IsSet(flagEnableWebsocket) {
		cfg.API.EnableWebsocket = v.GetBool(flagEnableWebsocket)
	}
	if v.IsSet(flagAllowMockSigner) {
		cfg.AllowMockSigner = v.GetBool(flagAllowMockSigner)
	}
	if v.IsSet(flagSigningBackend) {
		cfg.Signing.Backend = v.GetString(flagSigningBackend)
	}
	if v.IsSet(flagSigningEndpoint) {
		cfg.Signing.RemoteEndpoint = v.GetString(flagSigningEndpoint)
	}

	for key, chain := range cfg.EVMChains {
		id := chain.ChainID
		if id == 0 {
			id = cast.ToUint64(key)
		}
		if pk := v.GetString(fmt.Sprintf("evm-%d-private-key", id)); pk != "" {
			chain.PrivateKey = pk
			cfg.EVMChains[key] = chain
		}
	}
	for key, chain := range cfg.SubstrateChains {
		id := chain.ChainID
		if id == 0 {
			id = cast.ToUint64(key)
		}
		if suri := v.GetString(fmt.Sprintf("substrate-%d-suri", id)); suri != "" {
			chain.SURI = suri
			cfg.SubstrateChains[key] = chain
		}
	}
}
