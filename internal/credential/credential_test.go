package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/dmarcpat/internal/errs"
)

func TestResolve(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	r := NewResolver(func() (keyring.Keyring, error) { return ring, nil })
	require.NoError(t, r.Store("imap-token", "s3cret"))
	t.Setenv("DMARCPAT_TEST_PASSWORD", "from-env")

	cases := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{name: "literal", ref: "plain-password", want: "plain-password"},
		{name: "env", ref: "env:DMARCPAT_TEST_PASSWORD", want: "from-env"},
		{name: "env missing", ref: "env:DMARCPAT_TEST_MISSING", wantErr: "is not set"},
		{name: "keyring", ref: "keyring:imap-token", want: "s3cret"},
		{name: "keyring missing", ref: "keyring:nope", wantErr: `getting credential "nope"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(tc.ref)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errs.IsConfig(err))
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
