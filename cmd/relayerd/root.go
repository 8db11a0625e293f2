package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pushchain/anchor-relayer/relayer/constant"
)

// Flag names; each is also read from RELAYER_<NAME> with dashes as underscores.
const (
	flagHome            = "home"
	flagLogLevel        = "log-level"
	flagLogFormat       = "log-format"
	flagAPIPort         = "api-port"
	flagEnableWebsocket = "enable-websocket"
	flagAllowMockSigner = "allow-mock-signer"
	flagSigningBackend  = "signing-backend"
	flagSigningEndpoint = "signing-endpoint"
)

func NewRootCmd() *cobra.Command {
	v := newViper()

	rootCmd := &cobra.Command{
		Use:   "relayerd",
		Short: "Anchor relayer daemon",
		Long: `
relayerd watches anchor and governance contracts on EVM and Substrate chains,
signs anchor update proposals and relays them, together with user withdrawals,
to the linked chains.
`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String(flagHome, constant.DefaultNodeHome, "relayer home directory")
	_ = v.BindPFlag(flagHome, rootCmd.PersistentFlags().Lookup(flagHome))

	InitRootCmd(rootCmd, v)

	return rootCmd
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(constant.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}
