package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
		"go":      runtime.Version(),
	}
}

// UserAgent is sent on every REST request and channel dial.
func UserAgent() string {
	if Commit != "" {
		return fmt.Sprintf("driverlink/%s (%s)", Version, Commit)
	}
	return "driverlink/" + Version
}
