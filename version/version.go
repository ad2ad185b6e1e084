package version

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// VERSION has the current software version (set in the build process)
var VERSION string
var buildTime string
var gitVersion string

func init() {
	if len(gitVersion) > 0 {
		VERSION = VERSION + "/" + gitVersion
	}
	if len(VERSION) == 0 {
		VERSION = "dev-snapshot"
	}
}

// Info is the build information printed by the version command.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   VERSION,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
	}
}

// Cmd prints the version.
type Cmd struct {
	JSON bool `help:"print as JSON"`
}

func (cmd *Cmd) Run() error {
	if cmd.JSON {
		return json.NewEncoder(os.Stdout).Encode(Get())
	}
	fmt.Printf("fleet-engine %s\n", Version())
	return nil
}

func Version() string {
	extra := []string{}
	if len(buildTime) > 0 {
		extra = append(extra, buildTime)
	}
	extra = append(extra, runtime.Version())
	return fmt.Sprintf("%s (%s)", VERSION, strings.Join(extra, ", "))
}
