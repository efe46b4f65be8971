package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyHandleEqual(t *testing.T) {
	a := KeyHandle([]byte{1, 2, 3})
	b := KeyHandle([]byte{1, 2, 3})
	c := KeyHandle([]byte{1, 2, 4})

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(KeyHandle([]byte{1, 2})))
}

func TestPublicKeyBytes(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	out := PublicKeyBytes(&priv.PublicKey)
	require.Len(t, out, 65)
	require.Equal(t, byte(0x04), out[0])
}

func TestApplicationKeyRecordRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	k := &ApplicationKey{
		Handle:    KeyHandle([]byte("a key handle")),
		Key:       priv,
		Generated: time.Now(),
	}
	k.Application[0] = 0xAB

	data, err := k.MarshalRecord()
	require.NoError(t, err)

	var k2 ApplicationKey
	require.NoError(t, k2.UnmarshalRecord(data))

	require.Equal(t, k.Application, k2.Application)
	require.Equal(t, k.Handle, k2.Handle)
	require.True(t, k.Key.Equal(k2.Key))
}

func TestApplicationKeyUnmarshalRejectsGarbage(t *testing.T) {
	var k ApplicationKey
	require.Error(t, k.UnmarshalRecord([]byte("not json")))
}
