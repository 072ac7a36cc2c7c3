package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"maskgate/internal/signature"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/sentinel"
)

type KeyringSuite struct {
	suite.Suite
	ring *Keyring
	ctx  context.Context
}

func (s *KeyringSuite) SetupTest() {
	s.ring = NewKeyring()
	s.ctx = context.Background()
}

func TestKeyringSuite(t *testing.T) {
	suite.Run(t, new(KeyringSuite))
}

func (s *KeyringSuite) TestSignAndResolve() {
	s.Run("signatures verify against the resolved public key", func() {
		for _, alg := range []signature.Algorithm{signature.AlgEd25519, signature.AlgP256, signature.AlgSecp256k1} {
			kid := "controller-" + alg.String()
			_, err := s.ring.Generate(kid, alg)
			s.Require().NoError(err)

			sig, gotAlg, err := s.ring.Sign(s.ctx, kid, []byte(`{"a":1}`))
			s.Require().NoError(err)
			s.Equal(alg, gotAlg)

			v := signature.NewVerifier(s.ring)
			s.True(v.Verify(s.ctx, []byte(`{"a":1}`), sig, kid, alg))
		}
	})

	s.Run("unknown key is not found", func() {
		_, err := s.ring.ResolvePublicKey(s.ctx, "nope")
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, _, err = s.ring.Sign(s.ctx, "nope", []byte("x"))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("verification-only key cannot sign", func() {
		_, pub, err := signature.GenerateKey(signature.AlgEd25519)
		s.Require().NoError(err)
		s.Require().NoError(s.ring.AddPublic("issuer", signature.AlgEd25519, pub))

		_, _, err = s.ring.Sign(s.ctx, "issuer", []byte("x"))
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("resolved key is a copy", func() {
		_, err := s.ring.Generate("copy", signature.AlgEd25519)
		s.Require().NoError(err)
		k1, err := s.ring.ResolvePublicKey(s.ctx, "copy")
		s.Require().NoError(err)
		k1.Key[0] ^= 0xff
		k2, err := s.ring.ResolvePublicKey(s.ctx, "copy")
		s.Require().NoError(err)
		s.NotEqual(k1.Key, k2.Key)
	})
}

func (s *KeyringSuite) TestLoadFile() {
	priv, _, err := signature.GenerateKey(signature.AlgSecp256k1)
	s.Require().NoError(err)
	_, pub, err := signature.GenerateKey(signature.AlgEd25519)
	s.Require().NoError(err)

	f := File{Keys: []FileKey{
		{ID: "controller", Algorithm: "SECP256K1", PrivateKey: base64.StdEncoding.EncodeToString(priv)},
		{ID: "issuer", Algorithm: "eddsa", PublicKey: base64.StdEncoding.EncodeToString(pub)},
	}}
	raw, err := json.Marshal(f)
	s.Require().NoError(err)
	path := filepath.Join(s.T().TempDir(), "keyring.json")
	s.Require().NoError(os.WriteFile(path, raw, 0o600))

	ring, err := LoadFile(path)
	s.Require().NoError(err)

	key, err := ring.ResolvePublicKey(s.ctx, "issuer")
	s.Require().NoError(err)
	s.Equal(signature.AlgEd25519, key.Algorithm)

	_, alg, err := ring.Sign(s.ctx, "controller", []byte("payload"))
	s.Require().NoError(err)
	s.Equal(signature.AlgSecp256k1, alg)

	s.Run("unsupported algorithm fails the load", func() {
		err := NewKeyring().Load(File{Keys: []FileKey{{ID: "x", Algorithm: "rsa", PublicKey: "AA=="}}})
		s.True(dErrors.HasCode(err, dErrors.CodeUnsupportedAlgorithm))
	})
}
