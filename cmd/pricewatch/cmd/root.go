// Package cmd implements the pricewatch CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "pricewatch",
		Short: "Monitor fashion and classifieds listings for price drops",
		Long: "pricewatch crawls a fashion aggregator and local classifieds sites,\n" +
			"tracks every listing's price history in per-source databases, and\n" +
			"posts new finds and price changes to a Telegram chat.",
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "config.yaml", "config file path")

	cobra.CheckErr(viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")))

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCommand())
}

func initConfig() {
	viper.SetEnvPrefix("PRICEWATCH")
	viper.AutomaticEnv()

	if v := viper.GetString("config"); v != "" {
		cfgFile = v
	}
}
