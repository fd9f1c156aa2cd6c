package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srand/slicer/pkg/controller"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List connected workers",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		workers := []*controller.WorkerInfo{}
		if err := getJSON(ctx, "/api/v1/workers", &workers); err != nil {
			log.Fatal(err)
		}

		workerCount := len(workers)
		workerPad := fmt.Sprint(len(fmt.Sprint(workerCount)))

		for index, worker := range workers {
			state := "busy"
			if worker.Idle {
				state = "idle"
			}
			fmt.Printf("%"+workerPad+"d: %s (%s)\n", index+1, worker.ID, state)
			if len(worker.Slices) > 0 {
				fmt.Printf("  Slices: %s\n", strings.Join(worker.Slices, ", "))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
}
