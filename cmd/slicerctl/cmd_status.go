package main

import (
	"fmt"
	"log"
	"sort"

	"github.com/spf13/cobra"
	"github.com/srand/slicer/pkg/controller"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show execution status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		info := &controller.ExecutionInfo{}
		if err := getJSON(ctx, "/api/v1/execution", info); err != nil {
			log.Fatal(err)
		}

		fmt.Printf("Execution:    %s\n", info.ExID)
		fmt.Printf("Status:       %s\n", info.Status)
		fmt.Printf("Updated:      %s\n", info.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Queued:       %d/%d\n", info.Queued, info.QueueLength)
		fmt.Printf("In flight:    %d\n", info.Inflight)
		fmt.Printf("Slicers done: %v\n", info.SlicersDone)

		if info.Metadata == nil {
			return
		}
		if info.Metadata.Message != "" {
			fmt.Printf("Message:      %s\n", info.Metadata.Message)
		}
		if len(info.Metadata.Stats) > 0 {
			fmt.Println()
			printStats(info.Metadata.Stats)
		}
	},
}

func printStats(stats map[string]int64) {
	names := make([]string, 0, len(stats))
	width := 0
	for name := range stats {
		names = append(names, name)
		width = max(width, len(name))
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("  %-*s %d\n", width+1, name+":", stats[name])
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
