package version_test

import (
	"testing"

	v "github.com/keithlinneman/portfolio-web/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	orig := v.VCSDirty
	t.Cleanup(func() { v.VCSDirty = orig })

	trueVal := true
	v.VCSDirty = &trueVal
	info := v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != true {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != false {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestGet_AppName(t *testing.T) {
	if got := v.Get().AppName; got != "portfolio-web" {
		t.Fatalf("AppName = %q, want portfolio-web", got)
	}
}

func TestIsRelease(t *testing.T) {
	tests := []struct {
		name string
		info v.Info
		want bool
	}{
		{"dev build", v.Info{Version: "dev"}, false},
		{"version without build id", v.Info{Version: "1.2.3"}, false},
		{"release", v.Info{Version: "1.2.3", BuildId: "b-42"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.IsRelease(); got != tt.want {
				t.Fatalf("IsRelease() = %v, want %v", got, tt.want)
			}
		})
	}
}
