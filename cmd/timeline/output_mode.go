package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// switchMode is the value of an auto|on|off flag.
type switchMode string

const (
	modeAuto switchMode = "auto"
	modeOn   switchMode = "on"
	modeOff  switchMode = "off"
)

func readSwitchMode(flag, value string) (switchMode, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "auto":
		return modeAuto, nil
	case "on":
		return modeOn, nil
	case "off":
		return modeOff, nil
	default:
		return "", fmt.Errorf("invalid --%s value %q (expected auto|on|off)", flag, value)
	}
}

// resolve turns auto into detected.
func (m switchMode) resolve(detected func() bool) bool {
	switch m {
	case modeOn:
		return true
	case modeOff:
		return false
	default:
		return detected()
	}
}

// interactive reports whether the progress view can own the terminal; it
// needs both output and key input.
func interactive() bool {
	return isTerminal(os.Stdout) && isTerminal(os.Stdin)
}

// applyColorMode leaves fatih/color's own terminal detection in place for auto.
func applyColorMode(mode switchMode) {
	color.NoColor = !mode.resolve(func() bool { return !color.NoColor })
}
