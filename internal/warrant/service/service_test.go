package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"maskgate/internal/anchor"
	"maskgate/internal/anchor/ledger"
	"maskgate/internal/canonical"
	"maskgate/internal/notify"
	"maskgate/internal/platform/retry"
	"maskgate/internal/signature"
	"maskgate/internal/subjecttag"
	"maskgate/internal/warrant/models"
	"maskgate/internal/warrant/store"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/audit"
	"maskgate/pkg/platform/circuit"
	"maskgate/pkg/platform/sentinel"
	"maskgate/pkg/requestcontext"
	"maskgate/pkg/testutil"
)

// =============================================================================
// Warrant Processor Test Suite
// =============================================================================
// Justification for unit tests: the processor owns the state machine,
// idempotency across retries and restarts, and the ordering of validation
// before cryptography. Ledger faults and validity-window boundaries need a
// pinned clock and injected collaborators that end-to-end tests lack.

type ProcessorSuite struct {
	suite.Suite
	docs     *testutil.Documents
	records  *store.InMemoryRecords
	archive  *store.InMemoryArchive
	ledger   *ledger.Memory
	gateway  *anchor.Gateway
	audit    *recordingAudit
	notifier *recordingNotifier
	verifier *countingVerifier
	logger   *slog.Logger
	service  *Service
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func (s *ProcessorSuite) SetupTest() {
	s.docs = testutil.NewDocuments(s.T())
	s.records = store.NewInMemoryRecords()
	s.archive = store.NewInMemoryArchive()
	s.ledger = ledger.NewMemory()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.gateway = anchor.New(s.ledger,
		anchor.WithPolicy(fastPolicy(3)),
		anchor.WithLogger(s.logger),
		anchor.WithCallTimeout(time.Second),
	)
	s.audit = &recordingAudit{}
	s.notifier = &recordingNotifier{}
	s.verifier = &countingVerifier{inner: signature.NewVerifier(s.docs.Keys)}
	s.service = s.newService(s.gateway, s.docs.Keys)
}

func (s *ProcessorSuite) TearDownTest() {
	s.gateway.Close()
}

func (s *ProcessorSuite) config() Config {
	return Config{
		ControllerDID: testutil.ControllerDID,
		TagKey:        testutil.TagKey,
		SigningKeyID:  testutil.ControllerKey,
	}
}

func (s *ProcessorSuite) newService(anchors Anchorer, signer signature.Signer, opts ...Option) *Service {
	base := []Option{
		WithLogger(s.logger),
		WithAuditPublisher(s.audit),
		WithNotifier(s.notifier),
		WithProcessingPolicy(fastPolicy(3)),
	}
	svc, err := New(s.records, s.archive, anchors, s.verifier, signer, s.config(), append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

// ctx pins "now" to the fixture clock and authenticates the fixture enterprise.
func (s *ProcessorSuite) ctx() context.Context {
	return s.ctxAt(s.docs.Now)
}

func (s *ProcessorSuite) ctxAt(now time.Time) context.Context {
	ctx := requestcontext.WithTime(context.Background(), now)
	return requestcontext.WithEnterpriseID(ctx, testutil.EnterpriseID)
}

func (s *ProcessorSuite) signedWarrant(id, jti string) []byte {
	return s.docs.SignWarrant(s.T(), s.docs.Warrant(id, jti), testutil.IssuerEd25519)
}

func (s *ProcessorSuite) anchorWarrant(id string) (*models.Warrant, *models.AnchorRecord) {
	w := s.docs.Warrant(id, "jti-"+id)
	rec, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
	s.Require().NoError(err)
	s.Require().Equal(models.StateAnchored, rec.State)
	return w, rec
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *ProcessorSuite) TestNew() {
	s.Run("missing collaborators are rejected", func() {
		_, err := New(nil, s.archive, s.gateway, s.verifier, s.docs.Keys, s.config())
		s.ErrorContains(err, "required")
	})

	s.Run("missing controller DID is rejected", func() {
		cfg := s.config()
		cfg.ControllerDID = ""
		_, err := New(s.records, s.archive, s.gateway, s.verifier, s.docs.Keys, cfg)
		s.ErrorContains(err, "controller DID")
	})

	s.Run("short tag key is rejected", func() {
		cfg := s.config()
		cfg.TagKey = []byte("short")
		_, err := New(s.records, s.archive, s.gateway, s.verifier, s.docs.Keys, cfg)
		s.ErrorContains(err, "subject tag key")
	})

	s.Run("missing signing key id is rejected", func() {
		cfg := s.config()
		cfg.SigningKeyID = ""
		_, err := New(s.records, s.archive, s.gateway, s.verifier, s.docs.Keys, cfg)
		s.ErrorContains(err, "signing key id")
	})
}

// =============================================================================
// Submit: Anchoring and Idempotency
// =============================================================================

func (s *ProcessorSuite) TestSubmitAnchorsValidWarrant() {
	raw := s.signedWarrant("w-1", "jti-1")

	rec, err := s.service.Submit(s.ctx(), raw)
	s.Require().NoError(err)
	s.Equal(models.StateAnchored, rec.State)
	s.NotEmpty(rec.TransactionReference)
	s.NotZero(rec.BlockNumber)

	writes := s.ledger.Writes()
	s.Require().Len(writes, 1)
	s.Equal("3:w-1:jti-1", writes[0].Key)

	canon, err := canonical.CanonicalizeJSON(raw)
	s.Require().NoError(err)
	sum := sha256.Sum256(canon)
	s.Equal(hex.EncodeToString(sum[:]), writes[0].Request.WarrantDigest)
	s.Equal(hex.EncodeToString(sum[:]), rec.WarrantDigest)

	w := s.docs.Warrant("w-1", "jti-1")
	tag, err := subjecttag.Derive(testutil.TagKey, w.SubjectIdentifier(), w.EnterpriseID)
	s.Require().NoError(err)
	s.Equal(tag.String(), writes[0].Request.SubjectTag)
	s.Equal(ControllerDIDHash(testutil.ControllerDID), writes[0].Request.ControllerDIDHash)
	s.Equal(models.AssuranceLog.Tier(), writes[0].Request.Assurance)

	s.Equal([]string{"warrant_received", "warrant_anchored"}, s.audit.actions())

	stored, err := s.records.Get(context.Background(), "w-1")
	s.Require().NoError(err)
	s.Equal(rec.TransactionReference, stored.TransactionReference)
}

func (s *ProcessorSuite) TestSubmitSameJTIReturnsStoredReference() {
	raw := s.signedWarrant("w-1", "jti-1")

	first, err := s.service.Submit(s.ctx(), raw)
	s.Require().NoError(err)
	second, err := s.service.Submit(s.ctx(), raw)
	s.Require().NoError(err)

	s.Equal(first.TransactionReference, second.TransactionReference)
	s.Len(s.ledger.Writes(), 1, "a retried submission must not write to the ledger again")
}

func (s *ProcessorSuite) TestSubmitConcurrentRetriesWriteOnce() {
	raw := s.signedWarrant("w-1", "jti-1")

	var wg sync.WaitGroup
	refs := make([]string, 10)
	errs := make([]error, 10)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.service.Submit(s.ctx(), raw)
			errs[i] = err
			if rec != nil {
				refs[i] = rec.TransactionReference
			}
		}(i)
	}
	wg.Wait()

	for i := range refs {
		s.Require().NoError(errs[i])
		s.Equal(refs[0], refs[i])
	}
	s.Len(s.ledger.Writes(), 1)
}

func (s *ProcessorSuite) TestSubmitSupportsEveryAlgorithm() {
	for i, kid := range []string{testutil.IssuerEd25519, testutil.IssuerP256, testutil.IssuerSecp256k1} {
		s.Run(kid, func() {
			w := s.docs.Warrant("w-alg-"+kid, "jti-"+kid)
			rec, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, kid))
			s.Require().NoError(err)
			s.Equal(models.StateAnchored, rec.State)
			s.Len(s.ledger.Writes(), i+1)
		})
	}
}

func (s *ProcessorSuite) TestSubmitWarrantIDReuse() {
	_, err := s.service.Submit(s.ctx(), s.signedWarrant("w-1", "jti-1"))
	s.Require().NoError(err)

	_, err = s.service.Submit(s.ctx(), s.signedWarrant("w-1", "jti-2"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Len(s.ledger.Writes(), 1)
}

func (s *ProcessorSuite) TestSubmitAfterRestartResolvesCommittedAnchor() {
	w := s.docs.Warrant("w-1", "jti-1")
	raw := s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)

	// A previous process wrote to the ledger and died before recording it.
	v, err := s.service.verify(s.ctx(), raw)
	s.Require().NoError(err)
	_, err = s.gateway.IdempotentSubmit(context.Background(), w.IdempotencyKey(), anchor.Request{
		WarrantDigest:     v.digest,
		SubjectTag:        v.tag,
		ControllerDIDHash: ControllerDIDHash(testutil.ControllerDID),
		Assurance:         3,
	})
	s.Require().NoError(err)
	abandoned := s.service.newRecord(v, s.docs.Now.Add(-10*time.Minute))
	s.Require().NoError(s.records.CompareAndSwap(context.Background(), 0, abandoned))

	fresh := anchor.New(s.ledger, anchor.WithPolicy(fastPolicy(3)), anchor.WithLogger(s.logger))
	defer fresh.Close()
	svc := s.newService(fresh, s.docs.Keys)

	rec, err := svc.Submit(s.ctx(), raw)
	s.Require().NoError(err)
	s.Equal(models.StateAnchored, rec.State)
	s.Equal(s.ledger.Writes()[0].Receipt.TransactionHash, rec.TransactionReference)
	s.Len(s.ledger.Writes(), 1)
}

func (s *ProcessorSuite) TestSubmitInFlightElsewhereIsConflict() {
	raw := s.signedWarrant("w-1", "jti-1")
	v, err := s.service.verify(s.ctx(), raw)
	s.Require().NoError(err)
	s.Require().NoError(s.records.CompareAndSwap(context.Background(), 0, s.service.newRecord(v, s.docs.Now)))

	_, err = s.service.Submit(s.ctx(), raw)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Empty(s.ledger.Writes())
}

func (s *ProcessorSuite) TestSubmitColonBearingIDsKeepDistinctKeys() {
	first, err := s.service.Submit(s.ctx(), s.signedWarrant("w-a", "x:y"))
	s.Require().NoError(err)
	second, err := s.service.Submit(s.ctx(), s.signedWarrant("w-a:x", "y"))
	s.Require().NoError(err)

	s.Equal(models.StateAnchored, second.State)
	s.NotEqual(first.TransactionReference, second.TransactionReference)
	writes := s.ledger.Writes()
	s.Require().Len(writes, 2)
	s.NotEqual(writes[0].Key, writes[1].Key)
}

func (s *ProcessorSuite) TestSubmitLedgerKeyHeldByOtherDigestRejects() {
	w := s.docs.Warrant("w-1", "jti-1")
	seq, err := s.ledger.NextSequence(context.Background(), "default")
	s.Require().NoError(err)
	_, err = s.ledger.Submit(context.Background(), "default", seq, w.IdempotencyKey(), anchor.Request{
		WarrantDigest:     strings.Repeat("d", 64),
		SubjectTag:        strings.Repeat("b", 64),
		ControllerDIDHash: strings.Repeat("c", 64),
		Assurance:         3,
	})
	s.Require().NoError(err)

	rec, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerPermanent))
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Require().NotNil(rec)
	s.Equal(models.StateRejected, rec.State)
	s.Empty(rec.TransactionReference)
	s.Len(s.ledger.Writes(), 1)
}

func (s *ProcessorSuite) TestSubmitResignedWarrantReturnsStoredResult() {
	w, anchored := s.anchorWarrant("w-1")

	rec, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerP256))
	s.Require().NoError(err)
	s.Equal(models.StateAnchored, rec.State)
	s.Equal(anchored.TransactionReference, rec.TransactionReference)
	s.Len(s.ledger.Writes(), 1)

	doc, err := s.archive.Find(context.Background(), store.KindWarrant, "w-1")
	s.Require().NoError(err)
	s.Equal(anchored.WarrantDigest, doc.Digest)

	s.Run("changed content under the same id is still a conflict", func() {
		w.LegalBasis = "Art. 21 GDPR"
		_, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerP256))
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Len(s.ledger.Writes(), 1)
	})
}

func (s *ProcessorSuite) TestSubmitOtherEnterpriseRejectionDoesNotReserveID() {
	otherCtx := func(now time.Time) context.Context {
		return requestcontext.WithEnterpriseID(requestcontext.WithTime(context.Background(), now), "ent-other")
	}

	foreign := s.docs.Warrant("w-shared", "jti-foreign")
	foreign.EnterpriseID = "ent-other"
	foreign.Expiry = s.docs.Now.Unix() - 1
	rec, err := s.service.Submit(otherCtx(s.docs.Now), s.docs.SignWarrant(s.T(), foreign, testutil.IssuerEd25519))
	s.Require().True(dErrors.HasCode(err, dErrors.CodeExpired))
	s.Require().NotNil(rec)
	s.Equal("ent-other", rec.EnterpriseID)

	rec, err = s.service.Submit(s.ctx(), s.signedWarrant("w-shared", "jti-1"))
	s.Require().NoError(err)
	s.Equal(models.StateAnchored, rec.State)
	s.Equal(testutil.EnterpriseID, rec.EnterpriseID)

	s.Run("an expired copy from another enterprise does not replay the anchor", func() {
		copied := s.docs.Warrant("w-shared", "jti-1")
		copied.EnterpriseID = "ent-other"
		raw := s.docs.SignWarrant(s.T(), copied, testutil.IssuerEd25519)

		rec, err := s.service.Submit(otherCtx(s.docs.Now.Add(2*time.Hour)), raw)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
		s.Nil(rec)
	})
}

// =============================================================================
// Submit: Validation Ordering and Validity Window
// =============================================================================

func (s *ProcessorSuite) TestSubmitValidityBoundaries() {
	s.Run("exp equal to now is valid", func() {
		w := s.docs.Warrant("w-exp-now", "jti-1")
		w.Expiry = s.docs.Now.Unix()
		rec, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
		s.Require().NoError(err)
		s.Equal(models.StateAnchored, rec.State)
	})

	s.Run("exp one second in the past is expired", func() {
		w := s.docs.Warrant("w-exp-past", "jti-1")
		w.Expiry = s.docs.Now.Unix() - 1
		rec, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
		s.Require().NotNil(rec)
		s.Equal(models.StateRejected, rec.State)
		s.Equal("expired", rec.LastError)
	})

	s.Run("nbf one second in the future is not yet valid", func() {
		w := s.docs.Warrant("w-nbf-future", "jti-1")
		w.NotBefore = s.docs.Now.Unix() + 1
		_, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotYetValid))
	})
}

func (s *ProcessorSuite) TestSubmitNotYetValidCanBeResubmitted() {
	w := s.docs.Warrant("w-1", "jti-1")
	w.NotBefore = s.docs.Now.Unix() + 60
	raw := s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)

	_, err := s.service.Submit(s.ctx(), raw)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeNotYetValid))

	rec, err := s.service.Submit(s.ctxAt(s.docs.Now.Add(2*time.Minute)), raw)
	s.Require().NoError(err)
	s.Equal(models.StateAnchored, rec.State)
}

func (s *ProcessorSuite) TestSubmitMutatedPayloadFailsSignature() {
	w := s.docs.Warrant("w-1", "jti-1")
	raw := s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)

	var doc map[string]any
	s.Require().NoError(json.Unmarshal(raw, &doc))
	doc["legal_basis"] = "Art. 21 GDPR"
	mutated := testutil.MustJSON(s.T(), doc)

	rec, err := s.service.Submit(s.ctx(), mutated)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeSignatureInvalid))
	s.Require().NotNil(rec)
	s.Equal(models.StateRejected, rec.State)
	s.Equal("signature_invalid", rec.LastError)
	s.Empty(s.ledger.Writes())

	s.Run("the genuine warrant can still be submitted", func() {
		rec, err := s.service.Submit(s.ctx(), raw)
		s.Require().NoError(err)
		s.Equal(models.StateAnchored, rec.State)
	})
}

func (s *ProcessorSuite) TestSubmitEmptyAnchorsRejectedBeforeCrypto() {
	w := s.docs.Warrant("w-1", "jti-1")
	w.Subject.Anchors = []models.SubjectAnchor{}
	raw := s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)

	rec, err := s.service.Submit(s.ctx(), raw)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeSchemaInvalid))
	s.Contains(dErrors.MessageOf(err), "subject.anchors")
	s.Zero(s.verifier.calls.Load(), "signature verification must not run on schema-invalid input")
	s.Require().NotNil(rec)
	s.Equal("schema_invalid", rec.LastError)
}

func (s *ProcessorSuite) TestSubmitRejections() {
	tests := []struct {
		name   string
		build  func() []byte
		code   dErrors.Code
		record bool
	}{
		{
			name: "unsupported algorithm",
			build: func() []byte {
				w := s.docs.Warrant("w-rsa", "jti-1")
				w.Signature = s.docs.Sign(s.T(), w, testutil.IssuerEd25519)
				w.Signature.Alg = "rs256"
				return testutil.MustJSON(s.T(), w)
			},
			code:   dErrors.CodeUnsupportedAlgorithm,
			record: true,
		},
		{
			name: "unknown key",
			build: func() []byte {
				w := s.docs.Warrant("w-key", "jti-1")
				w.Signature = s.docs.Sign(s.T(), w, testutil.IssuerEd25519)
				w.Signature.KeyID = "issuer-unknown"
				return testutil.MustJSON(s.T(), w)
			},
			code:   dErrors.CodeSignatureInvalid,
			record: true,
		},
		{
			name: "duplicate keys fail canonicalization",
			build: func() []byte {
				raw := s.signedWarrant("w-dup", "jti-1")
				return append(raw[:len(raw)-1], []byte(`,"nonce":"nonce-dup-0123456789"}`)...)
			},
			code:   dErrors.CodeCanonicalization,
			record: true,
		},
		{
			name: "wrong subject tag",
			build: func() []byte {
				w := s.docs.Warrant("w-tag", "jti-1")
				w.Subject.Tag = testutil.AnchorHash
				return s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)
			},
			code:   dErrors.CodeSubjectTagMismatch,
			record: true,
		},
		{
			name: "other enterprise",
			build: func() []byte {
				w := s.docs.Warrant("w-ent", "jti-1")
				w.EnterpriseID = "ent-other"
				return s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)
			},
			code:   dErrors.CodeForbidden,
			record: false,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec, err := s.service.Submit(s.ctx(), tt.build())
			s.Require().Error(err)
			s.Equal(tt.code, dErrors.CodeOf(err), err.Error())
			if tt.record {
				s.Require().NotNil(rec)
				s.Equal(models.StateRejected, rec.State)
				s.Equal(string(tt.code), rec.LastError)
			} else {
				s.Nil(rec)
			}
		})
	}
	s.Empty(s.ledger.Writes())
}

func (s *ProcessorSuite) TestSubmitMatchingSubjectTag() {
	w := s.docs.Warrant("w-1", "jti-1")
	tag, err := subjecttag.Derive(testutil.TagKey, w.SubjectIdentifier(), w.EnterpriseID)
	s.Require().NoError(err)
	w.Subject.Tag = tag.String()

	rec, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
	s.Require().NoError(err)
	s.Equal(tag.String(), rec.SubjectTag)
}

// =============================================================================
// Submit: Ledger Failures
// =============================================================================

func (s *ProcessorSuite) TestSubmitLedgerPermanentRejects() {
	stub := &stubAnchorer{fn: func(context.Context, string, anchor.Request) (anchor.Receipt, error) {
		return anchor.Receipt{Attempts: 1}, dErrors.Wrap(anchor.ErrRejected, dErrors.CodeLedgerPermanent, "ledger rejected the anchor")
	}}
	svc := s.newService(stub, s.docs.Keys)
	raw := s.signedWarrant("w-1", "jti-1")

	rec, err := svc.Submit(s.ctx(), raw)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerPermanent))
	s.Equal(models.StateRejected, rec.State)
	s.Equal("ledger_permanent", rec.LastError)
	s.Equal(1, rec.RetryCount)

	s.Run("resubmission reports the recorded rejection without a ledger call", func() {
		_, err := svc.Submit(s.ctx(), raw)
		s.True(dErrors.HasCode(err, dErrors.CodeLedgerPermanent))
		s.Equal(int32(1), stub.calls.Load())
	})
}

func (s *ProcessorSuite) TestSubmitLedgerTransientLeavesWarrantPending() {
	var fail atomic.Bool
	fail.Store(true)
	stub := &stubAnchorer{fn: func(ctx context.Context, key string, req anchor.Request) (anchor.Receipt, error) {
		if fail.Load() {
			return anchor.Receipt{Attempts: 5}, dErrors.Wrap(errors.New("connection refused"), dErrors.CodeLedgerTransient, "ledger unavailable")
		}
		return s.gateway.IdempotentSubmit(ctx, key, req)
	}}
	svc := s.newService(stub, s.docs.Keys)
	raw := s.signedWarrant("w-1", "jti-1")

	rec, err := svc.Submit(s.ctx(), raw)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerTransient))
	s.Equal(models.StateSignatureValid, rec.State)
	s.Equal("ledger_transient", rec.LastError)
	s.Equal(5, rec.RetryCount)

	fail.Store(false)
	rec, err = svc.Submit(s.ctx(), raw)
	s.Require().NoError(err)
	s.Equal(models.StateAnchored, rec.State)
	s.Empty(rec.LastError)
	s.Len(s.ledger.Writes(), 1)
}

func (s *ProcessorSuite) TestSubmitExpiryWhileQueuedRejects() {
	stub := &stubAnchorer{fn: func(ctx context.Context, _ string, _ anchor.Request) (anchor.Receipt, error) {
		<-ctx.Done()
		return anchor.Receipt{}, ctx.Err()
	}}
	svc := s.newService(stub, s.docs.Keys)
	w := s.docs.Warrant("w-1", "jti-1")
	w.Expiry = s.docs.Now.Unix()

	rec, err := svc.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeExpired))
	s.Equal(models.StateRejected, rec.State)
	s.Equal("expired", rec.LastError)
}

func (s *ProcessorSuite) TestSubmitExpiredAfterAnchoringReplays() {
	w, anchored := s.anchorWarrant("w-1")
	raw := s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)

	rec, err := s.service.Submit(s.ctxAt(s.docs.Now.Add(2*time.Hour)), raw)
	s.Require().NoError(err)
	s.Equal(anchored.TransactionReference, rec.TransactionReference)
}

func (s *ProcessorSuite) TestSubmitExpiredSettlesPendingRecord() {
	later := s.docs.Now.Add(2 * time.Hour)

	s.Run("a write that landed is recorded as anchored", func() {
		w := s.docs.Warrant("w-landed", "jti-1")
		raw := s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519)
		v, err := s.service.verify(s.ctx(), raw)
		s.Require().NoError(err)
		s.Require().NoError(s.service.archiveWarrant(s.ctx(), v))

		seq, err := s.ledger.NextSequence(context.Background(), "default")
		s.Require().NoError(err)
		receipt, err := s.ledger.Submit(context.Background(), "default", seq, w.IdempotencyKey(), anchor.Request{
			WarrantDigest:     v.digest,
			SubjectTag:        v.tag,
			ControllerDIDHash: ControllerDIDHash(testutil.ControllerDID),
			Assurance:         3,
		})
		s.Require().NoError(err)
		pending := s.service.newRecord(v, s.docs.Now)
		pending.LastError = string(dErrors.CodeLedgerTransient)
		s.Require().NoError(s.records.CompareAndSwap(context.Background(), 0, pending))

		rec, err := s.service.Submit(s.ctxAt(later), raw)
		s.Require().NoError(err)
		s.Equal(models.StateAnchored, rec.State)
		s.Equal(receipt.TransactionHash, rec.TransactionReference)
		s.Len(s.ledger.Writes(), 1)
	})

	s.Run("nothing on the ledger rejects as expired", func() {
		gw := anchor.New(s.ledger,
			anchor.WithPolicy(fastPolicy(3)),
			anchor.WithLogger(s.logger),
			anchor.WithBreaker(circuit.New("test", circuit.WithFailureThreshold(100))),
		)
		defer gw.Close()
		svc := s.newService(gw, s.docs.Keys)
		s.ledger.InjectFaults(
			ledger.Fault{Err: sentinel.ErrUnavailable},
			ledger.Fault{Err: sentinel.ErrUnavailable},
			ledger.Fault{Err: sentinel.ErrUnavailable},
		)
		raw := s.signedWarrant("w-stuck", "jti-1")

		rec, err := svc.Submit(s.ctx(), raw)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeLedgerTransient))
		s.Require().Equal(models.StateSignatureValid, rec.State)

		rec, err = svc.Submit(s.ctxAt(later), raw)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
		s.Require().NotNil(rec)
		s.Equal(models.StateRejected, rec.State)
		s.Equal("expired", rec.LastError)

		stored, err := s.records.Get(context.Background(), "w-stuck")
		s.Require().NoError(err)
		s.Equal(models.StateRejected, stored.State)
		s.Equal("expired", stored.LastError)
	})
}

// =============================================================================
// Confirm: Attestation and Receipt
// =============================================================================

func (s *ProcessorSuite) TestConfirmIssuesReceipt() {
	w, anchored := s.anchorWarrant("w-1")
	a := s.docs.Attestation(s.T(), w, "att-1")

	conf, err := s.service.Confirm(s.ctx(), s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey))
	s.Require().NoError(err)
	s.Equal(models.StateReceipted, conf.Record.State)
	s.Equal("att-1", conf.Record.AttestationID)
	s.Equal(anchored.TransactionReference, conf.Record.TransactionReference)

	receipt := conf.Receipt
	s.Equal(conf.Record.ReceiptID, receipt.ID)
	s.Equal(anchored.WarrantDigest, receipt.WarrantDigest)
	s.Equal(ReceiptID(receipt.WarrantDigest, receipt.AttestationDigest), receipt.ID)
	s.Equal(models.JurisdictionGDPR.Bit(), receipt.JurisdictionMask)
	s.Equal(models.EvidenceAccessLog.Class(), receipt.EvidenceClassMask)
	s.Equal(ControllerDIDHash(testutil.ControllerDID), receipt.ControllerDIDHash)
	s.Equal(a.EvidenceHash, receipt.EvidenceHash)
	s.Equal(s.docs.Now.Unix(), receipt.Epoch)

	s.Run("attestation and receipt carry controller signatures", func() {
		s.Equal(testutil.ControllerKey, conf.Attestation.Signature.KeyID)
		s.True(s.verifyDocument(conf.Attestation, conf.Attestation.Signature))
		s.True(s.verifyDocument(receipt, receipt.Signature))
	})

	s.Run("attestation digest is over the archived controller attestation", func() {
		doc, err := s.archive.Find(context.Background(), store.KindAttestation, "att-1")
		s.Require().NoError(err)
		sum := sha256.Sum256(doc.Body)
		s.Equal(hex.EncodeToString(sum[:]), receipt.AttestationDigest)
	})

	s.Run("receipt is delivered", func() {
		got := s.notifier.all()
		s.Require().Len(got, 1)
		s.Equal(receipt.ID, got[0].Receipt.ID)
		s.Equal(anchored.SubjectTag, got[0].SubjectTag)
	})

	s.Run("confirming again returns the same receipt", func() {
		again, err := s.service.Confirm(s.ctx(), s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey))
		s.Require().NoError(err)
		s.Equal(receipt.ID, again.Receipt.ID)
		s.Len(s.notifier.all(), 1)
	})

	s.Contains(s.audit.actions(), "attestation_recorded")
	s.Contains(s.audit.actions(), "receipt_issued")
}

func (s *ProcessorSuite) TestConfirmRejectedStatusStillReceipts() {
	w, _ := s.anchorWarrant("w-1")
	a := s.docs.Attestation(s.T(), w, "att-1")
	a.Status = models.StatusRejected
	a.DenialReason = "legal hold"

	conf, err := s.service.Confirm(s.ctx(), s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey))
	s.Require().NoError(err)
	s.Equal(models.StateReceipted, conf.Record.State)
	s.Equal(models.StatusRejected, conf.Receipt.Status)
}

func (s *ProcessorSuite) TestConfirmRefusals() {
	w, _ := s.anchorWarrant("w-1")

	tests := []struct {
		name string
		raw  func() []byte
		code dErrors.Code
		msg  string
	}{
		{
			name: "unknown warrant",
			raw: func() []byte {
				other := s.docs.Warrant("w-missing", "jti-x")
				return s.docs.SignAttestation(s.T(), s.docs.Attestation(s.T(), other, "att-x"), testutil.EnforcerKey)
			},
			code: dErrors.CodeNotFound,
		},
		{
			name: "evidence hash mismatch",
			raw: func() []byte {
				a := s.docs.Attestation(s.T(), w, "att-hash")
				a.Evidence.AccessLog.Entries = 7
				return s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey)
			},
			code: dErrors.CodeSchemaInvalid,
			msg:  "evidence_hash",
		},
		{
			name: "evidence below required assurance",
			raw: func() []byte {
				a := s.docs.Attestation(s.T(), w, "att-weak")
				a.Evidence = models.Evidence{
					Kind:            models.EvidenceDomainSignature,
					DomainSignature: &models.DomainSignatureEvidence{Domain: "acme.example", KeyID: "dkim-1", Signature: "c2ln"},
				}
				s.docs.RehashEvidence(s.T(), a)
				return s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey)
			},
			code: dErrors.CodeSchemaInvalid,
			msg:  "evidence below required assurance",
		},
		{
			name: "status does not answer the operation",
			raw: func() []byte {
				a := s.docs.Attestation(s.T(), w, "att-status")
				a.Status = models.StatusSuppressed
				return s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey)
			},
			code: dErrors.CodeSchemaInvalid,
		},
		{
			name: "subject handle mismatch",
			raw: func() []byte {
				a := s.docs.Attestation(s.T(), w, "att-handle")
				a.SubjectHandle = testutil.AnchorHash
				return s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey)
			},
			code: dErrors.CodeSchemaInvalid,
		},
		{
			name: "tampered attestation",
			raw: func() []byte {
				a := s.docs.Attestation(s.T(), w, "att-sig")
				raw := s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey)
				var doc map[string]any
				s.Require().NoError(json.Unmarshal(raw, &doc))
				doc["completed_at"] = s.docs.Now.Add(-time.Hour).UTC().Format(time.RFC3339)
				return testutil.MustJSON(s.T(), doc)
			},
			code: dErrors.CodeSignatureInvalid,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Confirm(s.ctx(), tt.raw())
			s.Require().Error(err)
			s.Equal(tt.code, dErrors.CodeOf(err), err.Error())
			if tt.msg != "" {
				s.Contains(dErrors.MessageOf(err), tt.msg)
			}
		})
	}

	rec, err := s.records.Get(context.Background(), "w-1")
	s.Require().NoError(err)
	s.Equal(models.StateAnchored, rec.State, "refused attestations leave the warrant anchored")
}

func (s *ProcessorSuite) TestConfirmRequiresAnchoredWarrant() {
	w := s.docs.Warrant("w-1", "jti-1")
	w.Expiry = s.docs.Now.Unix() - 1
	_, err := s.service.Submit(s.ctx(), s.docs.SignWarrant(s.T(), w, testutil.IssuerEd25519))
	s.Require().Error(err)

	a := s.docs.Attestation(s.T(), w, "att-1")
	_, err = s.service.Confirm(s.ctx(), s.docs.SignAttestation(s.T(), a, testutil.EnforcerKey))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ProcessorSuite) TestConfirmSecondAttestationConflicts() {
	w, _ := s.anchorWarrant("w-1")
	_, err := s.service.Confirm(s.ctx(), s.docs.SignAttestation(s.T(), s.docs.Attestation(s.T(), w, "att-1"), testutil.EnforcerKey))
	s.Require().NoError(err)

	_, err = s.service.Confirm(s.ctx(), s.docs.SignAttestation(s.T(), s.docs.Attestation(s.T(), w, "att-2"), testutil.EnforcerKey))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ProcessorSuite) TestConfirmProcessingFailureRejects() {
	w, _ := s.anchorWarrant("w-1")
	signer := &failingSigner{}
	svc := s.newService(s.gateway, signer)

	conf, err := svc.Confirm(s.ctx(), s.docs.SignAttestation(s.T(), s.docs.Attestation(s.T(), w, "att-1"), testutil.EnforcerKey))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeProcessingFailed))
	s.Equal(int32(3), signer.calls.Load(), "construction is retried up to the processing budget")
	s.Require().NotNil(conf)
	s.Equal(models.StateRejected, conf.Record.State)
	s.Equal("processing_failed", conf.Record.LastError)
}

// =============================================================================
// Status
// =============================================================================

func (s *ProcessorSuite) TestStatus() {
	_, anchored := s.anchorWarrant("w-1")

	s.Run("returns the current record", func() {
		rec, err := s.service.Status(s.ctx(), "w-1")
		s.Require().NoError(err)
		s.Equal(models.StateAnchored, rec.State)
		s.Equal(anchored.TransactionReference, rec.TransactionReference)
	})

	s.Run("unknown warrant is not found", func() {
		_, err := s.service.Status(s.ctx(), "w-unknown")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("another enterprise's warrant is not found", func() {
		ctx := requestcontext.WithEnterpriseID(context.Background(), "ent-other")
		_, err := s.service.Status(ctx, "w-1")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *ProcessorSuite) verifyDocument(doc any, block *models.SignatureBlock) bool {
	raw := testutil.MustJSON(s.T(), doc)
	form, err := canonical.SigningForm(raw, "signature")
	s.Require().NoError(err)
	sig, err := base64.StdEncoding.DecodeString(block.Sig)
	s.Require().NoError(err)
	alg, err := signature.ParseAlgorithm(block.Alg)
	s.Require().NoError(err)
	return signature.NewVerifier(s.docs.Keys).Verify(context.Background(), form, sig, block.KeyID, alg)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.ComplianceEvent
}

func (r *recordingAudit) Emit(_ context.Context, event audit.ComplianceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type countingVerifier struct {
	inner SignatureVerifier
	calls atomic.Int32
}

func (v *countingVerifier) Verify(ctx context.Context, canonical, sig []byte, keyID string, alg signature.Algorithm) bool {
	v.calls.Add(1)
	return v.inner.Verify(ctx, canonical, sig, keyID, alg)
}

type stubAnchorer struct {
	fn    func(ctx context.Context, key string, req anchor.Request) (anchor.Receipt, error)
	calls atomic.Int32
}

func (a *stubAnchorer) IdempotentSubmit(ctx context.Context, key string, req anchor.Request) (anchor.Receipt, error) {
	a.calls.Add(1)
	return a.fn(ctx, key, req)
}

func (a *stubAnchorer) Lookup(context.Context, string, string) (anchor.Receipt, bool, error) {
	return anchor.Receipt{}, false, nil
}

type failingSigner struct {
	calls atomic.Int32
}

func (f *failingSigner) Sign(context.Context, string, []byte) ([]byte, signature.Algorithm, error) {
	f.calls.Add(1)
	return nil, signature.AlgUnknown, errors.New("hsm unavailable")
}
