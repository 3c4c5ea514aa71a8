package main

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/mash-protocol/upnp-go/internal/upnptest"
)

// runSimulation ramps the load level up and down, which notifies
// Dimming subscribers on every step.
func runSimulation(ctx context.Context, light *upnptest.Device, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	level, step := 0, 10
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, step = nextLevel(level, step)
			value := strconv.Itoa(level)
			if err := light.SetVariable(upnptest.DimmingID, "LoadLevelStatus", value); err != nil {
				log.Printf("[SIM] notify failed: %v", err)
				continue
			}
			log.Printf("[SIM] LoadLevelStatus=%s", value)
		}
	}
}

// nextLevel bounces level between 0 and 100.
func nextLevel(level, step int) (int, int) {
	next := level + step
	if next > 100 || next < 0 {
		step = -step
		next = level + step
	}
	return next, step
}
