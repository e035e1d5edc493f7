// Package version reports what binary is running: the build-time module
// version plus the Go toolchain, read from the info the linker embeds.
package version

import "runtime/debug"

// Info identifies a running build.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	Revision  string `json:"revision,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

// Current reads the embedded build info. Outside a module-aware build
// (go test, stripped binaries) the fields fall back to "devel".
func Current() Info {
	info := Info{Version: "devel", GoVersion: "devel"}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	if bi.Main.Version != "" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}
