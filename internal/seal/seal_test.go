package seal

import (
	"bytes"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	t.Parallel()
	alice, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	bob, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	s, err := NewSealer([]string{alice.Recipient().String(), " " + bob.Recipient().String() + "\n"})
	require.NoError(t, err)

	plaintext := []byte("the deliverable")
	sealed, err := s.Seal(plaintext)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(sealed, []byte("-----BEGIN AGE ENCRYPTED FILE-----")))
	assert.NotContains(t, string(sealed), "the deliverable")

	for _, id := range []*age.X25519Identity{alice, bob} {
		got, err := Open(sealed, id.String())
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}

	file := "# created: 2026-03-01T12:00:00Z\n# public key: " + bob.Recipient().String() + "\n" + bob.String() + "\n"
	got, err := Open(sealed, file)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	eve, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, err = Open(sealed, eve.String())
	assert.Error(t, err)
}

func TestNewSealer_Rejects(t *testing.T) {
	t.Parallel()
	_, err := NewSealer(nil)
	assert.Error(t, err)
	_, err = NewSealer([]string{"not-a-key"})
	assert.Error(t, err)
}
