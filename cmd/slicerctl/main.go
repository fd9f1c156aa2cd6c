package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/utils"
)

type ControlConfig struct {
	// Base URL of the controller HTTP API.
	ControllerHttpUri string `mapstructure:"controller_http_uri"`
}

var configData = ControlConfig{}

var rootCmd = &cobra.Command{
	Use:   "slicerctl",
	Short: "Slice execution control command",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetConfigName("slicerctl.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/slicer/")
		viper.AddConfigPath("$HOME/.config/slicer")
		viper.AddConfigPath(".")
		viper.ReadInConfig()

		viper.SetEnvPrefix("slicer")
		viper.AutomaticEnv()

		if err := utils.UnmarshalConfig(viper.GetViper(), &configData); err != nil {
			log.Fatal(err)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringP("controller-uri", "c", "http://localhost:8080", "Controller HTTP URI")
	viper.BindPFlag("controller_http_uri", rootCmd.PersistentFlags().Lookup("controller-uri"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
