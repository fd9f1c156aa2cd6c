package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/srand/slicer/pkg/protocol"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics [slice-id]",
	Short: "Show execution analytics, or the analytics of one slice",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		if len(args) == 0 {
			stats := map[string]int64{}
			if err := getJSON(ctx, "/api/v1/analytics", &stats); err != nil {
				log.Fatal(err)
			}
			printStats(stats)
			return
		}

		record := &protocol.SliceAnalytics{}
		if err := getJSON(ctx, "/api/v1/slices/"+args[0]+"/analytics", record); err != nil {
			log.Fatal(err)
		}

		fmt.Printf("%-4s %10s %10s %14s\n", "op", "time (ms)", "size", "memory")
		for i := range record.Time {
			size, memory := 0, int64(0)
			if i < len(record.Size) {
				size = record.Size[i]
			}
			if i < len(record.Memory) {
				memory = record.Memory[i]
			}
			fmt.Printf("%-4d %10d %10d %14d\n", i, record.Time[i], size, memory)
		}
	},
}

func init() {
	rootCmd.AddCommand(analyticsCmd)
}
