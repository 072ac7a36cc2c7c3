package testutil

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maskgate/internal/canonical"
	"maskgate/internal/keys"
	"maskgate/internal/signature"
	"maskgate/internal/warrant/models"
)

// Key ids registered by NewDocuments.
const (
	IssuerEd25519   = "issuer-ed25519"
	IssuerP256      = "issuer-p256"
	IssuerSecp256k1 = "issuer-secp256k1"
	EnforcerKey     = "enforcer-1"
	ControllerKey   = "controller-1"

	EnterpriseID  = "ent-acme"
	ControllerDID = "did:web:controller.example"
)

// TagKey is a subject tag key long enough for subjecttag.
var TagKey = []byte("maskgate-test-subject-tag-key-32")

var (
	SubjectHandle = strings.Repeat("a", 64)
	AnchorHash    = strings.Repeat("b", 64)
)

// Documents builds signed warrants and attestations against one keyring.
// The keyring doubles as the verifier's key source and the controller's
// signer.
type Documents struct {
	Keys *keys.Keyring
	Now  time.Time
}

// NewDocuments creates issuer keys for all three algorithms plus enforcer
// and controller keys. Now is the current second.
func NewDocuments(t *testing.T) *Documents {
	t.Helper()
	ring := keys.NewKeyring()
	for kid, alg := range map[string]signature.Algorithm{
		IssuerEd25519:   signature.AlgEd25519,
		IssuerP256:      signature.AlgP256,
		IssuerSecp256k1: signature.AlgSecp256k1,
		EnforcerKey:     signature.AlgEd25519,
		ControllerKey:   signature.AlgEd25519,
	} {
		_, err := ring.Generate(kid, alg)
		require.NoError(t, err)
	}
	return &Documents{Keys: ring, Now: time.Now().Truncate(time.Second)}
}

// Warrant returns an unsigned deletion warrant valid from now-10s to now+1h.
func (d *Documents) Warrant(id, jti string) *models.Warrant {
	return &models.Warrant{
		ID:           id,
		EnterpriseID: EnterpriseID,
		Operation:    models.OperationDeletion,
		Subject: models.Subject{
			Handle:  SubjectHandle,
			Anchors: []models.SubjectAnchor{{Namespace: "email", Hash: AnchorHash}},
		},
		Scope:        []models.Scope{models.ScopeDeleteAll},
		Jurisdiction: models.JurisdictionGDPR,
		LegalBasis:   "Art. 17 GDPR",
		IssuedAt:     d.Now.Add(-time.Minute).UTC().Format(time.RFC3339),
		ExpiresAt:    d.Now.Add(time.Hour).UTC().Format(time.RFC3339),
		Nonce:        "nonce-" + id + "-0123456789",
		Audience:     "maskgate",
		JTI:          jti,
		NotBefore:    d.Now.Unix() - 10,
		Expiry:       d.Now.Unix() + 3600,
		SLASeconds:   86400,
		Policy:       models.WarrantPolicy{MinAssurance: models.AssuranceLog},
	}
}

// SignWarrant signs w with kid and returns the wire document.
func (d *Documents) SignWarrant(t *testing.T, w *models.Warrant, kid string) []byte {
	t.Helper()
	w.Signature = nil
	w.Signature = d.Sign(t, w, kid)
	return MustJSON(t, w)
}

// Attestation returns an unsigned access-log attestation answering w, with
// a correct evidence hash.
func (d *Documents) Attestation(t *testing.T, w *models.Warrant, id string) *models.DeletionAttestation {
	t.Helper()
	a := &models.DeletionAttestation{
		ID:                     id,
		WarrantID:              w.ID,
		EnterpriseID:           w.EnterpriseID,
		SubjectHandle:          w.Subject.Handle,
		Status:                 models.StatusDeleted,
		CompletedAt:            d.Now.UTC().Format(time.RFC3339),
		ControllerPolicyDigest: strings.Repeat("c", 64),
		Evidence: models.Evidence{
			Kind: models.EvidenceAccessLog,
			AccessLog: &models.AccessLogEvidence{
				LogDigest: strings.Repeat("d", 64),
				Entries:   42,
				From:      d.Now.Add(-time.Hour).UTC().Format(time.RFC3339),
				To:        d.Now.UTC().Format(time.RFC3339),
			},
		},
	}
	d.RehashEvidence(t, a)
	return a
}

// RehashEvidence recomputes a.EvidenceHash after the evidence was changed.
func (d *Documents) RehashEvidence(t *testing.T, a *models.DeletionAttestation) {
	t.Helper()
	hash, err := canonical.DigestHex(a.Evidence)
	require.NoError(t, err)
	a.EvidenceHash = hash
}

// SignAttestation signs a with kid and returns the wire document.
func (d *Documents) SignAttestation(t *testing.T, a *models.DeletionAttestation, kid string) []byte {
	t.Helper()
	a.Signature = nil
	a.Signature = d.Sign(t, a, kid)
	return MustJSON(t, a)
}

// Sign signs the canonical form of doc, which must not carry a signature.
func (d *Documents) Sign(t *testing.T, doc any, kid string) *models.SignatureBlock {
	t.Helper()
	form, err := canonical.Canonicalize(doc)
	require.NoError(t, err)
	sig, alg, err := d.Keys.Sign(context.Background(), kid, form)
	require.NoError(t, err)
	return &models.SignatureBlock{Alg: alg.String(), KeyID: kid, Sig: base64.StdEncoding.EncodeToString(sig)}
}

// MustJSON marshals v, failing the test on error.
func MustJSON(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}
