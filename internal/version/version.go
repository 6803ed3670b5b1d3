package version

import "runtime/debug"

// set via -ldflags "-X github.com/keithlinneman/portfolio-web/internal/version.Version=..."
var (
	AppName    = "portfolio-web"
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// IsRelease reports whether the binary was stamped by the release pipeline
func (i Info) IsRelease() bool {
	return i.Version != "dev" && i.BuildId != ""
}

// Get merges ldflags values with whatever the go toolchain embedded in the binary.
// ldflags win when both are present.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion

	var dirty *bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
		case "vcs.modified":
			switch s.Value {
			case "true":
				t := true
				dirty = &t
			case "false":
				f := false
				dirty = &f
			}
		}
	}
	if dirty != nil && out.VCSDirty == nil {
		out.VCSDirty = dirty
	}
	return out
}
