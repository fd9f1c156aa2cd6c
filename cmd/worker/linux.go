//go:build linux

package main

import (
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/utils"
)

func init() {
	log.Info("Detected Linux")

	// Keeps the memory deltas of slice analytics comparable.
	utils.DisableTHP()
}
