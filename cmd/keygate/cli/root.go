package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve and status
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygate",
		Short: "License authority with hardware binding and abuse defense",
		Long: `Keygate issues cryptographically signed, hardware-bound license credentials
and validates them for desktop and server applications.

It manages products and their RSA signing keys, license lifecycles with seat
limits and recovery, self-service trials, and a per-IP threat ledger that
quarantines and bans abusive clients automatically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keygate.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.keygate)")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newAdminCmd())
	cmd.AddCommand(newProductCmd())
	cmd.AddCommand(newLicenseCmd())
	cmd.AddCommand(newLicenseTypeCmd())
	cmd.AddCommand(newBanCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("keygate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.keygate")
	}

	viper.SetEnvPrefix("KEYGATE")
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
