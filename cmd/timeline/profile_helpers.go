package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"timeline/internal/prof"
)

// setupProfiling inspects persistent profiling flags and starts the requested
// profiles. The returned stop function writes them out and is safe to call
// more than once.
func setupProfiling(cmd *cobra.Command) (func(), error) {
	root := cmd.Root()

	cpuProfile, err := root.PersistentFlags().GetString("cpu-profile")
	if err != nil {
		return nil, fmt.Errorf("failed to get cpu-profile flag: %w", err)
	}
	memProfile, err := root.PersistentFlags().GetString("mem-profile")
	if err != nil {
		return nil, fmt.Errorf("failed to get mem-profile flag: %w", err)
	}
	tracePath, err := root.PersistentFlags().GetString("runtime-trace")
	if err != nil {
		return nil, fmt.Errorf("failed to get runtime-trace flag: %w", err)
	}

	session, err := prof.Start(cpuProfile, memProfile, tracePath)
	if err != nil {
		return nil, fmt.Errorf("failed to start profiling: %w", err)
	}
	if !session.Active() {
		return func() {}, nil
	}
	return func() {
		if err := session.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write profiles: %v\n", err)
		}
	}, nil
}
