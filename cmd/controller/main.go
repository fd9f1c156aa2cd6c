package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/srand/slicer/pkg/controller"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/store"
	"github.com/srand/slicer/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var config = controller.NewConfig()

var rootCmd = &cobra.Command{
	Use:   "slicer-controller",
	Short: "Distributed slice execution controller",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("slicer")
		viper.AutomaticEnv()

		viper.SetConfigName("controller.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/slicer/")
		viper.AddConfigPath("$HOME/.config/slicer")
		viper.AddConfigPath(".")

		if err := viper.ReadInConfig(); err != nil {
			log.Debug(err)
		}

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}
		log.SetVerbosity(verbosity)

		if err := utils.UnmarshalConfig(viper.GetViper(), config); err != nil {
			log.Fatal(err)
		}

		if err := store.RequireShared(config.StateStore); err != nil {
			log.Fatal(err)
		}

		config.Job.ApplyDefaults()
		config.Log()
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := messaging.NewServer(messaging.Options{
			NetworkLatencyBuffer: config.NetworkLatencyBuffer,
			Logger:               log.With("ex_id", config.Job.ExID),
		})
		server.UseCompressor(config.Compression)

		ctrl, err := controller.New(config, server)
		if err != nil {
			log.Fatal(err)
		}

		// Workers connecting before initialization are replayed to the controller.
		for _, uri := range config.ListenGrpc {
			go serveGrpc(server, uri)
		}

		if err := ctrl.Initialize(ctx); err != nil {
			log.Fatal(err)
		}

		feed := controller.NewEventFeed(ctrl.Bus())
		defer feed.Close()

		for _, uri := range config.ListenHttp {
			host, err := utils.ParseHttpUrl(uri)
			if err != nil {
				log.Fatal(err)
			}

			log.Info("Listening on http", host)

			r := controller.NewHttpServer(ctrl, feed)
			r.Add(echo.GET, "/debug/pprof/*", echo.WrapHandler(http.DefaultServeMux))

			go func() {
				if err := http.ListenAndServe(host, r); err != nil {
					log.Fatal(err)
				}
			}()
		}

		runErr := ctrl.Run(ctx)
		if runErr != nil {
			log.Error(runErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ActionTimeout+config.NetworkLatencyBuffer)
		defer cancel()

		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			log.Error(err)
		}

		if runErr != nil {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringSliceP("listen-http", "l", []string{"tcp://:8080"}, "Addresses to listen on for HTTP connections")
	rootCmd.Flags().StringSliceP("listen-grpc", "g", []string{"tcp://:9090"}, "Addresses to listen on for GRPC connections")
	rootCmd.Flags().StringP("state-store", "s", "", "Slice state store shared with the workers (sqlite://<path>)")
	rootCmd.Flags().StringP("execution-store", "e", "", "Execution store (memory://, sqlite://<path>, file://<dir>)")
	rootCmd.Flags().StringP("reporter", "r", "log", "Analytics reporter (log, redis://..., http(s)://...)")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen_grpc", rootCmd.Flags().Lookup("listen-grpc"))
	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
	viper.BindPFlag("state_store", rootCmd.Flags().Lookup("state-store"))
	viper.BindPFlag("execution_store", rootCmd.Flags().Lookup("execution-store"))
	viper.BindPFlag("reporter", rootCmd.Flags().Lookup("reporter"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
