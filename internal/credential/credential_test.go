package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestIssuer(t *testing.T) {
	issuer, err := newIssuer("123456", bcrypt.MinCost)
	require.NoError(t, err)

	assert.Equal(t, "123456", issuer.Password())
	assert.NotEqual(t, issuer.Password(), issuer.Hash())
	assert.True(t, Matches(issuer.Hash(), "123456"))
	assert.False(t, Matches(issuer.Hash(), "654321"))
}

func TestIssuer_RejectsEmpty(t *testing.T) {
	_, err := NewIssuer("")
	assert.Error(t, err)
}
