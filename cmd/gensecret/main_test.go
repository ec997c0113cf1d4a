package main

import (
	"bytes"
	"crypto/rand"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authtoken/internal/token/jws"
)

func Test_run(t *testing.T) {
	t.Run("hs256 secret", func(t *testing.T) {
		var out bytes.Buffer

		err := run(&out, rand.Reader, nil)

		require.NoError(t, err)
		secret := strings.TrimSpace(out.String())
		require.Len(t, secret, 2*SecretKeyBytesLen, "hex encoded secret")

		_, err = jws.NewKey(jws.AlgHS256, []byte(secret), nil)
		require.NoError(t, err, "generated secret must be usable")
	})

	t.Run("ed25519 pair", func(t *testing.T) {
		var out bytes.Buffer

		err := run(&out, rand.Reader, []string{"--alg", "ed25519"})
		require.NoError(t, err)

		private, rest := pem.Decode(out.Bytes())
		require.NotNil(t, private)
		require.Equal(t, "PRIVATE KEY", private.Type)
		public, _ := pem.Decode(rest)
		require.NotNil(t, public)
		require.Equal(t, "PUBLIC KEY", public.Type)

		key, err := jws.NewKey(jws.AlgEdDSA, pem.EncodeToMemory(private), pem.EncodeToMemory(public))
		require.NoError(t, err, "generated pair must be usable")

		token, err := jws.Sign([]byte(`{"sub":"u1"}`), key)
		require.NoError(t, err)
		_, err = jws.Verify(token, key)
		require.NoError(t, err)
	})

	t.Run("unknown alg", func(t *testing.T) {
		err := run(&bytes.Buffer{}, rand.Reader, []string{"--alg", "rot13"})

		require.Error(t, err)
	})
}
