package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/ops"
	"github.com/srand/slicer/pkg/store"
	"github.com/srand/slicer/pkg/utils"
	"github.com/srand/slicer/pkg/worker"
)

func LoadConfig() (*worker.Config, error) {
	config := worker.NewConfig()

	err := utils.UnmarshalConfig(viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

var rootCmd = &cobra.Command{
	Use:   "slicer-worker",
	Short: "Distributed slice execution worker",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		log.SetVerbosity(verbosity)

		// Load worker configuration from file or environment.
		config, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}

		// Validate the worker configuration.
		if err := config.Validate(); err != nil {
			log.Fatal(err)
		}
		if err := store.RequireShared(config.StateStore); err != nil {
			log.Fatal(err)
		}
		config.Job.ApplyDefaults()

		slices, sliceAnalytics, err := store.OpenSliceStore(config.StateStore)
		if err != nil {
			log.Fatal(err)
		}

		operations, err := ops.NewRegistry().Operations(&config.Job)
		if err != nil {
			log.Fatal(err)
		}

		transport, err := worker.NewClient(config)
		if err != nil {
			log.Fatal(err)
		}
		config.Log()

		logger := log.With("ex_id", config.Job.ExID, "worker_id", config.WorkerID)
		pipeline := worker.NewPipeline(worker.PipelineOptions{
			Job:        &config.Job,
			Operations: operations,
			Store:      slices,
			Analytics:  sliceAnalytics,
			Logger:     logger,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := worker.NewWorker(config.WorkerID, config.Job.ExID, transport, pipeline, logger)
		err = errors.Join(w.Run(ctx), slices.Close())
		if err != nil {
			log.Fatal(err)
		}
	},
}

func main() {
	rootCmd.Flags().StringP("controller-uri", "c", "tcp://controller:9090", "Controller gRPC URI")
	rootCmd.Flags().StringP("worker-id", "w", "", "Worker identity (generated if empty)")
	rootCmd.Flags().StringP("state-store", "s", "", "Slice state store shared with the workers (sqlite://<path>)")
	rootCmd.Flags().StringP("ex-id", "x", "", "Execution id")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("controller_grpc_uri", rootCmd.Flags().Lookup("controller-uri"))
	viper.BindPFlag("worker_id", rootCmd.Flags().Lookup("worker-id"))
	viper.BindPFlag("state_store", rootCmd.Flags().Lookup("state-store"))
	viper.BindPFlag("job.ex_id", rootCmd.Flags().Lookup("ex-id"))
	viper.SetEnvPrefix("slicer")
	viper.AutomaticEnv()

	viper.SetConfigName("worker.yaml")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/slicer/")
	viper.AddConfigPath("$HOME/.config/slicer")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
