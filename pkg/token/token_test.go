package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/ingesterr"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		wantErr bool
		wantKnd ingesterr.Kind
	}{
		{"empty", "", true, ingesterr.KindNoToken},
		{"ok", "hello", false, ""},
		{"exactly 64", strings.Repeat("a", 64), false, ""},
		{"65 chars", strings.Repeat("a", 65), true, ingesterr.KindTokenInvalid},
		{"non-ascii", "héllo", true, ingesterr.KindTokenInvalid},
		{"reserved prefix", "phx_abc", true, ingesterr.KindTokenInvalid},
		{"nul byte", "ab\x00cd", true, ingesterr.KindTokenInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.token)
			if !c.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var e *ingesterr.Error
			require.True(t, ingesterr.As(err, &e))
			require.Equal(t, c.wantKnd, e.Kind)
		})
	}
}

func TestValidateIsPure(t *testing.T) {
	// §8 invariant 1: repeated calls yield the same outcome.
	for i := 0; i < 3; i++ {
		require.NoError(t, Validate("stable-token"))
	}
}
