package photon_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/photonmcp/photon/pkg/photon"
)

func TestError_Rendering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *photon.Error
		want string
	}{
		{
			name: "kind and message",
			err:  photon.Errorf(photon.KindNotFound, "unknown tool %s", "calc/Add"),
			want: "not_found: unknown tool calc/Add",
		},
		{
			name: "path locates the failure",
			err: &photon.Error{
				Kind: photon.KindInvalidArguments,
				Msg:  "expected integer",
				Path: "args.count",
			},
			want: "invalid_arguments: expected integer (args.count)",
		},
		{
			name: "wrapped cause is appended",
			err: &photon.Error{
				Kind: photon.KindLoad,
				Msg:  "read source",
				Err:  errors.New("no such file"),
			},
			want: "load_error: read source: no such file",
		},
		{
			name: "missing variables are listed",
			err: &photon.Error{
				Kind:    photon.KindNotConfigured,
				Msg:     "photon vault is missing required configuration",
				Missing: []string{"VAULT_TOKEN", "VAULT_URL"},
			},
			want: "not_configured: photon vault is missing required configuration; set VAULT_TOKEN, VAULT_URL",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestError_MissingSurvivesWrapping(t *testing.T) {
	t.Parallel()

	inner := &photon.Error{
		Kind:    photon.KindNotConfigured,
		Msg:     "photon vault is missing required configuration",
		Missing: []string{"VAULT_TOKEN"},
	}
	wrapped := fmt.Errorf("call failed: %w", inner)

	if !photon.IsKind(wrapped, photon.KindNotConfigured) {
		t.Fatalf("kind = %v, want not_configured", photon.KindOf(wrapped))
	}
	if !strings.Contains(wrapped.Error(), "VAULT_TOKEN") {
		t.Errorf("wrapped message %q does not name the missing variable", wrapped.Error())
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	if got := photon.KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
	if got := photon.KindOf(errors.New("plain")); got != photon.KindInternal {
		t.Errorf("KindOf(plain) = %q, want internal", got)
	}
	if !photon.IsKind(photon.Errorf(photon.KindCancelled, "stop"), photon.KindCancelled) {
		t.Error("IsKind missed a direct kind match")
	}
}
