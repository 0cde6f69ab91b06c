package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	gate "github.com/xmrgate/xmrgate/pkg"
)

func main() {
	var configPath string
	var config gate.Config
	var args SubCommandArgs

	// define root command
	rootCmd := &cobra.Command{
		Use:   "xmrgate",
		Short: "Monero payment gateway: watch-only invoice tracking",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return LoadConfig(configPath, &config)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(0)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: config.toml in ., /etc/xmrgate, $HOME/.xmrgate)")
	rootCmd.PersistentFlags().String("network", "", "mainnet, testnet or stagenet")
	rootCmd.PersistentFlags().String("daemon-url", "", "monerod RPC URL")
	rootCmd.PersistentFlags().String("store-backend", "", "Store backend: sqlite, postgres or bolt")
	rootCmd.PersistentFlags().String("store-dsn", "", "Store DSN or file")
	rootCmd.PersistentFlags().StringVar(&args.RemoteAdminServer, "admin-url", "", "Admin API of a running xmrgate (default: from config)")
	rootCmd.PersistentFlags().StringVar(&args.Token, "token", "", "Admin API bearer token (default: from config)")

	// Bind flags to config fields
	viper.BindPFlag("gateway.network", rootCmd.PersistentFlags().Lookup("network"))
	viper.BindPFlag("daemon.url", rootCmd.PersistentFlags().Lookup("daemon-url"))
	viper.BindPFlag("store.backend", rootCmd.PersistentFlags().Lookup("store-backend"))
	viper.BindPFlag("store.dsn", rootCmd.PersistentFlags().Lookup("store-dsn"))

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the xmrgate server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Server(config)
		},
	}

	configCmd := &cobra.Command{
		Use:   "showconf",
		Short: "Print the config state and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			shown := config
			if shown.Wallet.PrivateViewKey != "" {
				shown.Wallet.PrivateViewKey = "<redacted>"
			}
			o, _ := json.MarshalIndent(shown, "", " ")
			fmt.Println(string(o))
		},
	}

	rootCmd.AddCommand(serverCmd, configCmd)
	rootCmd.AddCommand(adminCommands(&config, &args)...)
	rootCmd.AddCommand(addressCmd(&config))

	// Execute the Cobra command
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// LoadConfig reads the TOML config with viper. configPath wins over the
// XMRGATE_ENV config name; XMRGATE_* environment variables override the
// file (e.g. XMRGATE_DAEMON_LOGIN).
func LoadConfig(configPath string, config *gate.Config) error {
	viper.SetConfigType("toml")
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		if name, set := os.LookupEnv("XMRGATE_ENV"); set {
			viper.SetConfigName(name)
		} else {
			viper.SetConfigName("config")
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/xmrgate/")
		viper.AddConfigPath("$HOME/.xmrgate")
	}
	viper.SetEnvPrefix("XMRGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing || configPath != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Fprintln(os.Stderr, "no config file found, using defaults and environment")
	}

	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return config.Validate()
}
