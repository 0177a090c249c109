package cmd

import (
	"fmt"
	goruntime "runtime"
	"runtime/debug"
)

// shortSHA is the length of an abbreviated commit hash.
const shortSHA = 7

// BuildInfo is injected by the build pipeline through ldflags. Missing
// fields are filled from the VCS stamp of the binary.
type BuildInfo struct {
	Version   string
	CommitSHA string
	Dirty     bool
}

// resolve fills empty fields from read, which is debug.ReadBuildInfo
// outside of tests.
func (b BuildInfo) resolve(read func() (*debug.BuildInfo, bool)) BuildInfo {
	info, ok := read()
	if !ok {
		if b.Version == "" {
			b.Version = "unknown"
		}
		return b
	}

	vcs := map[string]string{}
	for _, s := range info.Settings {
		vcs[s.Key] = s.Value
	}
	if b.CommitSHA == "" {
		b.CommitSHA = vcs["vcs.revision"]
	}
	b.Dirty = b.Dirty || vcs["vcs.modified"] == "true"

	switch {
	case b.Version != "":
	case info.Main.Version != "" && info.Main.Version != "(devel)":
		b.Version = info.Main.Version
	default:
		b.Version = "dev"
		if sha := b.short(); sha != "" {
			b.Version += "-" + sha
		}
		if b.Dirty {
			b.Version += "-dirty"
		}
	}
	return b
}

func (b BuildInfo) short() string {
	if len(b.CommitSHA) < shortSHA {
		return ""
	}
	return b.CommitSHA[:shortSHA]
}

// versionTemplate is the cobra version template: name, version, short
// commit, Go version and platform.
func (b BuildInfo) versionTemplate() string {
	v := "{{.Name}} {{.Version}}"
	if sha := b.short(); sha != "" {
		v += " (" + sha + ")"
	}
	return v + fmt.Sprintf(" %s %s/%s\n", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
}
