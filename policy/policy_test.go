package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
)

func TestEnforceNobodyAlwaysRejects(t *testing.T) {
	addr := oasisapi.Address{1}
	require.Error(t, Enforce(oasisapi.Nobody(), addr))
}

func TestEnforceEveryoneAlwaysAccepts(t *testing.T) {
	require.NoError(t, Enforce(oasisapi.Everyone(), oasisapi.Address{}))
	require.NoError(t, Enforce(oasisapi.Everyone(), oasisapi.Address{9}))
}

func TestEnforceAddressMatchesExactly(t *testing.T) {
	owner := oasisapi.Address{1, 2, 3}
	require.NoError(t, Enforce(oasisapi.OnlyAddress(owner), owner))
	require.Error(t, Enforce(oasisapi.OnlyAddress(owner), oasisapi.Address{9, 9, 9}))
}
