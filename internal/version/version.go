package version

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Build metadata for the timeline CLI, overridable with -ldflags "-X".
var (
	// Version is the semantic version of the CLI.
	Version = "0.3.0-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

var (
	majorColor = color.New(color.FgYellow, color.Bold)
	minorColor = color.New(color.FgGreen, color.Bold)
	patchColor = color.New(color.FgBlue, color.Bold)
)

// Tool is the program name reported by version output.
const Tool = "timeline"

// Info is a trimmed snapshot of the build metadata.
type Info struct {
	Tool      string `json:"tool"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// Current returns the build metadata with blanks replaced.
func Current() Info {
	v := strings.TrimSpace(Version)
	if v == "" {
		v = "dev"
	}
	return Info{
		Tool:      Tool,
		Version:   v,
		GitCommit: strings.TrimSpace(GitCommit),
		BuildDate: strings.TrimSpace(BuildDate),
	}
}

// Colored renders the version with each numeric component colored.
// Versions that are not dotted triples are returned unchanged.
func (i Info) Colored() string {
	core, suffix, _ := strings.Cut(i.Version, "-")
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return i.Version
	}
	out := majorColor.Sprint(parts[0]) + "." + minorColor.Sprint(parts[1]) + "." + patchColor.Sprint(parts[2])
	if suffix != "" {
		out += "-" + suffix
	}
	return out
}

// WritePretty prints the human-readable form. full adds commit and build date.
func (i Info) WritePretty(out io.Writer, full bool) error {
	if _, err := fmt.Fprintf(out, "%s %s\n", i.Tool, i.Colored()); err != nil {
		return err
	}
	if !full {
		return nil
	}
	if _, err := fmt.Fprintf(out, "commit: %s\n", valueOrUnknown(i.GitCommit)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "built:  %s\n", valueOrUnknown(i.BuildDate))
	return err
}

// WriteJSON prints the metadata as indented JSON.
func (i Info) WriteJSON(out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(i)
}

func valueOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
