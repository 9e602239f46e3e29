package main

import (
	"io"

	"timeline/internal/observ"
)

func printTimings(out io.Writer, timer *observ.Timer) {
	if out == nil || timer == nil {
		return
	}
	_ = timer.WriteSummary(out)
}
