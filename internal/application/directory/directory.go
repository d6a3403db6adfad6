// Package directory keeps a read-optimized, rebuildable index of disputes for
// listing, filtering and free-text search. It is never the system of record.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
)

// LabelSource resolves display labels. party.Registry satisfies it.
type LabelSource interface {
	LabelOf(ctx context.Context, identityID string) (string, error)
}

// Source yields every dispute in the system of record.
type Source interface {
	ForEach(ctx context.Context, fn func(*dispute.Dispute) error) error
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status      string
	Priority    dispute.Priority
	Participant string
	Limit       int
}

type entry struct {
	d            dispute.Dispute
	subjectLabel string
	buyerLabel   string
	sellerLabel  string
}

func (e *entry) matches(q string) bool {
	return strings.Contains(strings.ToLower(e.subjectLabel), q) ||
		strings.Contains(strings.ToLower(e.buyerLabel), q) ||
		strings.Contains(strings.ToLower(e.sellerLabel), q)
}

func (e *entry) hasParticipant(id string) bool {
	return e.d.BuyerID == id || e.d.SellerID == id || e.d.AssignedMediator == id
}

// Directory is safe for concurrent use.
type Directory struct {
	mu           sync.RWMutex
	entries      map[uuid.UUID]*entry
	labels       LabelSource
	labelTimeout time.Duration
	logger       zerolog.Logger
}

// New creates an empty directory.
func New(labels LabelSource, labelTimeout time.Duration, logger zerolog.Logger) *Directory {
	if labelTimeout <= 0 {
		labelTimeout = 2 * time.Second
	}
	return &Directory{
		entries:      make(map[uuid.UUID]*entry),
		labels:       labels,
		labelTimeout: labelTimeout,
		logger:       logger.With().Str("service", "directory").Logger(),
	}
}

// Apply upserts a dispute snapshot. Snapshots older than the indexed revision
// are ignored, so replaying any prefix of history converges.
func (dir *Directory) Apply(ctx context.Context, d *dispute.Dispute) {
	if d == nil {
		return
	}
	dir.mu.RLock()
	cur := dir.entries[d.ID]
	dir.mu.RUnlock()

	var e *entry
	if cur != nil {
		// parties and subject are immutable, so labels carry over
		e = &entry{d: *d, subjectLabel: cur.subjectLabel, buyerLabel: cur.buyerLabel, sellerLabel: cur.sellerLabel}
	} else {
		e = dir.newEntry(ctx, d)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()
	if existing, ok := dir.entries[d.ID]; ok && existing.d.Revision > d.Revision {
		return
	}
	dir.entries[d.ID] = e
}

// Rebuild re-derives the whole index from src and swaps it in. Entries
// applied while the scan was running are kept if they are newer.
func (dir *Directory) Rebuild(ctx context.Context, src Source) error {
	fresh := make(map[uuid.UUID]*entry)
	err := src.ForEach(ctx, func(d *dispute.Dispute) error {
		fresh[d.ID] = dir.newEntry(ctx, d)
		return nil
	})
	if err != nil {
		return err
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()
	for id, cur := range dir.entries {
		if f, ok := fresh[id]; !ok || f.d.Revision < cur.d.Revision {
			fresh[id] = cur
		}
	}
	dir.entries = fresh
	dir.logger.Info().Int("disputes", len(fresh)).Msg("directory rebuilt")
	return nil
}

// Len returns the number of indexed disputes.
func (dir *Directory) Len() int {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	return len(dir.entries)
}

// ListByStatus returns disputes in status, or every dispute for "all",
// newest first.
func (dir *Directory) ListByStatus(status string) ([]dispute.Dispute, error) {
	return dir.List(Filter{Status: status})
}

// Search matches query case-insensitively against the subject, buyer and
// seller labels. An empty query matches everything.
func (dir *Directory) Search(query string) []dispute.Dispute {
	q := strings.ToLower(strings.TrimSpace(query))
	dir.mu.RLock()
	out := make([]dispute.Dispute, 0)
	for _, e := range dir.entries {
		if q == "" || e.matches(q) {
			out = append(out, e.d)
		}
	}
	dir.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

// List applies f and returns matches newest first.
func (dir *Directory) List(f Filter) ([]dispute.Dispute, error) {
	var status dispute.Status
	if f.Status != "" && f.Status != dispute.StatusAll {
		st, err := dispute.ParseStatus(f.Status)
		if err != nil {
			return nil, err
		}
		status = st
	}

	dir.mu.RLock()
	out := make([]dispute.Dispute, 0)
	for _, e := range dir.entries {
		if status != "" && e.d.Status != status {
			continue
		}
		if f.Priority != "" && e.d.Priority != f.Priority {
			continue
		}
		if f.Participant != "" && !e.hasParticipant(f.Participant) {
			continue
		}
		out = append(out, e.d)
	}
	dir.mu.RUnlock()

	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (dir *Directory) newEntry(ctx context.Context, d *dispute.Dispute) *entry {
	return &entry{
		d:            *d,
		subjectLabel: dir.label(ctx, d.SubjectRef),
		buyerLabel:   dir.label(ctx, d.BuyerID),
		sellerLabel:  dir.label(ctx, d.SellerID),
	}
}

func (dir *Directory) label(ctx context.Context, id string) string {
	if dir.labels == nil {
		return id
	}
	ctx, cancel := context.WithTimeout(ctx, dir.labelTimeout)
	defer cancel()
	label, err := dir.labels.LabelOf(ctx, id)
	if err != nil {
		dir.logger.Warn().Err(err).Str("identity_id", id).Msg("label lookup failed, indexing raw id")
		return id
	}
	if label == "" {
		return id
	}
	return label
}

func sortNewestFirst(ds []dispute.Dispute) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].OpenedAt.Equal(ds[j].OpenedAt) {
			return ds[i].OpenedAt.After(ds[j].OpenedAt)
		}
		return ds[i].ID.String() < ds[j].ID.String()
	})
}
