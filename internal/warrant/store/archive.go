package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"maskgate/pkg/platform/sentinel"
)

// DocumentKind names the signed documents kept per warrant.
type DocumentKind string

const (
	KindWarrant     DocumentKind = "warrant"
	KindAttestation DocumentKind = "attestation"
	KindReceipt     DocumentKind = "receipt"
)

// Document is an archived document body with its canonical digest.
type Document struct {
	Kind      DocumentKind
	ID        string
	WarrantID string
	Digest    string
	Body      json.RawMessage
	CreatedAt time.Time
}

// InMemoryArchive keeps documents in process memory.
type InMemoryArchive struct {
	mu   sync.RWMutex
	docs map[DocumentKind]map[string]Document
}

func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{docs: make(map[DocumentKind]map[string]Document)}
}

// Save stores doc once. Saving the same (kind, id) again with the same
// digest is a no-op; a different digest is a conflict.
func (a *InMemoryArchive) Save(_ context.Context, doc Document) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID, ok := a.docs[doc.Kind]
	if !ok {
		byID = make(map[string]Document)
		a.docs[doc.Kind] = byID
	}
	if existing, ok := byID[doc.ID]; ok {
		if existing.Digest != doc.Digest {
			return fmt.Errorf("%s %s already archived with a different digest: %w", doc.Kind, doc.ID, sentinel.ErrConflict)
		}
		return nil
	}
	doc.Body = append(json.RawMessage(nil), doc.Body...)
	byID[doc.ID] = doc
	return nil
}

func (a *InMemoryArchive) Find(_ context.Context, kind DocumentKind, id string) (*Document, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	doc, ok := a.docs[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, sentinel.ErrNotFound)
	}
	doc.Body = append(json.RawMessage(nil), doc.Body...)
	return &doc, nil
}

// ListByWarrant returns every document for a warrant, oldest first.
func (a *InMemoryArchive) ListByWarrant(_ context.Context, warrantID string) ([]Document, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Document
	for _, byID := range a.docs {
		for _, doc := range byID {
			if doc.WarrantID == warrantID {
				out = append(out, doc)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
