package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitAddress(t *testing.T) {
	local, domain := SplitAddress("alice@example.com")
	require.Equal(t, "alice", local)
	require.Equal(t, "example.com", domain)
}

func TestSplitAddressNoAt(t *testing.T) {
	local, domain := SplitAddress("postmaster")
	require.Equal(t, "postmaster", local)
	require.Equal(t, "", domain)
}

func TestSplitAddressTrailingAt(t *testing.T) {
	local, domain := SplitAddress("alice@")
	require.Equal(t, "alice", local)
	require.Equal(t, "", domain)
}
