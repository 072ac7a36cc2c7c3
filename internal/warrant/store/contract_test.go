package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"maskgate/internal/warrant/models"
	"maskgate/pkg/platform/sentinel"
)

// recordStore is the surface every AnchorRecord store implements.
type recordStore interface {
	Get(ctx context.Context, warrantID string) (*models.AnchorRecord, error)
	Put(ctx context.Context, rec *models.AnchorRecord) error
	CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.AnchorRecord) error
}

type archive interface {
	Save(ctx context.Context, doc Document) error
	Find(ctx context.Context, kind DocumentKind, id string) (*Document, error)
	ListByWarrant(ctx context.Context, warrantID string) ([]Document, error)
}

// recordContract runs the shared record store behaviour against one
// implementation. Each suite supplies a fresh store per test.
type recordContract struct {
	suite.Suite
	newStore func() recordStore
	ctx      context.Context
}

func (s *recordContract) record(id string) *models.AnchorRecord {
	return models.NewAnchorRecord(id, "jti-"+id, "ent-acme", time.Now().UTC().Truncate(time.Millisecond))
}

func (s *recordContract) TestCompareAndSwap() {
	store := s.newStore()

	s.Run("creates when absent", func() {
		rec := s.record("w-create")
		s.Require().NoError(store.CompareAndSwap(s.ctx, 0, rec))
		s.Equal(int64(1), rec.Version)

		got, err := store.Get(s.ctx, "w-create")
		s.Require().NoError(err)
		s.Equal(models.StateReceived, got.State)
		s.Equal("jti-w-create", got.JTI)
		s.Equal(int64(1), got.Version)
	})

	s.Run("create loses against an existing record", func() {
		rec := s.record("w-create")
		err := store.CompareAndSwap(s.ctx, 0, rec)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("updates at the expected version", func() {
		rec, err := store.Get(s.ctx, "w-create")
		s.Require().NoError(err)
		s.Require().NoError(rec.Transition(models.StateSchemaValid, time.Now()))
		s.Require().NoError(store.CompareAndSwap(s.ctx, rec.Version, rec))
		s.Equal(int64(2), rec.Version)

		got, err := store.Get(s.ctx, "w-create")
		s.Require().NoError(err)
		s.Equal(models.StateSchemaValid, got.State)
	})

	s.Run("stale version conflicts", func() {
		rec, err := store.Get(s.ctx, "w-create")
		s.Require().NoError(err)
		err = store.CompareAndSwap(s.ctx, rec.Version-1, rec)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("update of a missing record is not found", func() {
		err := store.CompareAndSwap(s.ctx, 3, s.record("w-missing"))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *recordContract) TestGetAndPut() {
	store := s.newStore()

	_, err := store.Get(s.ctx, "nope")
	s.ErrorIs(err, sentinel.ErrNotFound)

	rec := s.record("w-put")
	s.Require().NoError(store.Put(s.ctx, rec))
	s.Equal(int64(1), rec.Version)

	rec.State = models.StateAnchored
	rec.TransactionReference = "0xfeed"
	rec.BlockNumber = 7
	rec.RetryCount = 2
	s.Require().NoError(store.Put(s.ctx, rec))
	s.Equal(int64(2), rec.Version)

	got, err := store.Get(s.ctx, "w-put")
	s.Require().NoError(err)
	s.Equal("0xfeed", got.TransactionReference)
	s.Equal(uint64(7), got.BlockNumber)
	s.Equal(2, got.RetryCount)
	s.Equal(int64(2), got.Version)
}

func (s *recordContract) TestConcurrentCreateHasOneWinner() {
	store := s.newStore()
	const writers = 20

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CompareAndSwap(s.ctx, 0, s.record("w-race"))
			switch {
			case err == nil:
				wins.Add(1)
			case isConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), conflicts.Load())
}

// archiveContract runs the shared document archive behaviour.
type archiveContract struct {
	suite.Suite
	newArchive func() archive
	ctx        context.Context
}

func (s *archiveContract) TestSaveFindList() {
	a := s.newArchive()
	now := time.Now().UTC().Truncate(time.Millisecond)

	warrant := Document{Kind: KindWarrant, ID: "w-1", WarrantID: "w-1", Digest: "d1", Body: json.RawMessage(`{"id":"w-1"}`), CreatedAt: now}
	receipt := Document{Kind: KindReceipt, ID: "r-1", WarrantID: "w-1", Digest: "d2", Body: json.RawMessage(`{"receipt_id":"r-1"}`), CreatedAt: now.Add(time.Second)}

	s.Require().NoError(a.Save(s.ctx, warrant))
	s.Require().NoError(a.Save(s.ctx, receipt))

	s.Run("same digest is idempotent", func() {
		s.NoError(a.Save(s.ctx, warrant))
	})
	s.Run("different digest conflicts", func() {
		changed := warrant
		changed.Digest = "other"
		s.ErrorIs(a.Save(s.ctx, changed), sentinel.ErrConflict)
	})
	s.Run("finds by kind and id", func() {
		got, err := a.Find(s.ctx, KindWarrant, "w-1")
		s.Require().NoError(err)
		s.Equal("d1", got.Digest)
		s.JSONEq(`{"id":"w-1"}`, string(got.Body))

		_, err = a.Find(s.ctx, KindAttestation, "w-1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
	s.Run("lists a warrant's documents oldest first", func() {
		docs, err := a.ListByWarrant(s.ctx, "w-1")
		s.Require().NoError(err)
		s.Require().Len(docs, 2)
		s.Equal(KindWarrant, docs[0].Kind)
		s.Equal(KindReceipt, docs[1].Kind)
	})
}
