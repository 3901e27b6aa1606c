package version

import (
	"fmt"
	"runtime"
)

var (
	CLIName    = "routex"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func Current() Info {
	return Info{
		Name:      CLIName,
		Version:   CLIVersion,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s)", CLIName, CLIVersion, Commit, BuildDate, runtime.Version())
}
