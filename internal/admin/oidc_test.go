package admin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCredentialFromClaimsFullByDefault(t *testing.T) {
	cred := credentialFromClaims(OIDCClaims{})
	require.Equal(t, Credential{Kind: TokenFull}, cred)
}

func TestCredentialFromClaimsReadOnly(t *testing.T) {
	cred := credentialFromClaims(OIDCClaims{Role: "read_only"})
	require.Equal(t, Credential{Kind: TokenReadOnly}, cred)
}

func TestCredentialFromClaimsTenant(t *testing.T) {
	cred := credentialFromClaims(OIDCClaims{Tenant: "acme"})
	require.Equal(t, Credential{Kind: TokenTenant, Tenant: "acme"}, cred)
}

func TestCredentialFromClaimsTenantReadOnly(t *testing.T) {
	cred := credentialFromClaims(OIDCClaims{Tenant: "acme", Role: "read_only"})
	require.Equal(t, Credential{Kind: TokenTenantReadOnly, Tenant: "acme"}, cred)
}
