// Package evidence keeps the append-only audit log. Entries live in memory
// for the session and are copied to durable storage in the background.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/models"
)

const (
	DefaultPageSize  = 100
	DefaultQueueSize = 256

	writeTimeout = 10 * time.Second
)

// Store is the durable side of the ledger.
type Store interface {
	InsertEvidence(ctx context.Context, e *models.EvidenceEntry) error
	CountEvidence(ctx context.Context, ownerID string) (int, error)
	ListEvidence(ctx context.Context, ownerID string, offset, limit int) ([]models.EvidenceEntry, error)
}

type Ledger struct {
	store     Store
	ownerID   string
	pageSize  int
	queueSize int
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu        sync.RWMutex
	local     []models.EvidenceEntry
	persisted []models.EvidenceEntry
	closed    bool

	queue       chan models.EvidenceEntry
	writerDone  chan struct{}
	disabled    atomic.Bool
	disableOnce sync.Once
	dropped     atomic.Int64
}

type Option func(*Ledger)

// WithStore enables durable evidence for ownerID.
func WithStore(s Store, ownerID string) Option {
	return func(l *Ledger) {
		l.store = s
		l.ownerID = ownerID
	}
}

func WithPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		pageSize:  DefaultPageSize,
		queueSize: DefaultQueueSize,
		logger:    zap.NewNop().Sugar(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.store != nil {
		l.queue = make(chan models.EvidenceEntry, l.queueSize)
		l.writerDone = make(chan struct{})
		go l.writer()
	}

	return l
}

// Durable reports whether entries are still being persisted.
func (l *Ledger) Durable() bool {
	return l.store != nil && !l.disabled.Load()
}

// Dropped is the number of entries that were kept in memory only because
// the write queue was full.
func (l *Ledger) Dropped() int64 {
	return l.dropped.Load()
}

// Append records e in memory and queues it for persistence. It never
// blocks on storage. The stored entry is returned with its id, owner and
// timestamp filled in.
func (l *Ledger) Append(e models.EvidenceEntry) models.EvidenceEntry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	// Postgres keeps microseconds. Truncating here keeps the dedup key of a
	// local entry equal to the key of its stored copy.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if e.OwnerID == "" {
		e.OwnerID = l.ownerID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.local = append(l.local, e)

	if l.queue != nil && !l.closed && !l.disabled.Load() {
		select {
		case l.queue <- e:
		default:
			l.dropped.Add(1)
			l.logger.Warnw("evidence write queue full, entry kept in memory only",
				"check", e.Check,
				"project_id", e.ProjectID)
		}
	}

	return e
}

func (l *Ledger) writer() {
	defer close(l.writerDone)

	for e := range l.queue {
		if l.disabled.Load() {
			continue
		}

		entry := e
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := l.store.InsertEvidence(ctx, &entry)
		cancel()

		if err != nil {
			if errors.Is(err, auditerr.ErrPersistenceUnavailable) {
				l.disable(err)
				continue
			}
			l.logger.Warnw("failed to persist evidence entry",
				"check", e.Check,
				"project_id", e.ProjectID,
				"error", err)
		}
	}
}

func (l *Ledger) disable(err error) {
	l.disableOnce.Do(func() {
		l.disabled.Store(true)
		l.logger.Warnw("evidence storage unavailable, keeping evidence for this session only",
			"error", err)
	})
}

// FetchPersisted reads every stored entry for ownerID, one page at a time.
func (l *Ledger) FetchPersisted(ctx context.Context, ownerID string) ([]models.EvidenceEntry, error) {
	if l.store == nil || l.disabled.Load() {
		return nil, auditerr.ErrPersistenceUnavailable
	}

	total, err := l.store.CountEvidence(ctx, ownerID)
	if err != nil {
		return nil, l.fetchFailed(err)
	}

	out := make([]models.EvidenceEntry, 0, total)
	for offset := 0; offset < total; offset += l.pageSize {
		page, err := l.store.ListEvidence(ctx, ownerID, offset, l.pageSize)
		if err != nil {
			return nil, l.fetchFailed(err)
		}
		for _, e := range page {
			e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
			out = append(out, e)
		}
		if len(page) < l.pageSize {
			break
		}
	}

	return out, nil
}

func (l *Ledger) fetchFailed(err error) error {
	if errors.Is(err, auditerr.ErrPersistenceUnavailable) {
		l.disable(err)
		return err
	}
	return fmt.Errorf("fetching evidence: %w", err)
}

// Refresh reloads the stored entries used by Merged. Missing storage is
// not an error.
func (l *Ledger) Refresh(ctx context.Context) error {
	entries, err := l.FetchPersisted(ctx, l.ownerID)
	if err != nil {
		if errors.Is(err, auditerr.ErrPersistenceUnavailable) {
			return nil
		}
		return err
	}

	l.mu.Lock()
	l.persisted = entries
	l.mu.Unlock()
	return nil
}

// Local returns the entries appended during this session, oldest first.
func (l *Ledger) Local() []models.EvidenceEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.EvidenceEntry(nil), l.local...)
}

// Merged returns session and stored entries without duplicates, newest
// first. A session entry wins over a stored entry with the same key.
func (l *Ledger) Merged() []models.EvidenceEntry {
	l.mu.RLock()
	local := append([]models.EvidenceEntry(nil), l.local...)
	persisted := append([]models.EvidenceEntry(nil), l.persisted...)
	l.mu.RUnlock()

	return Merge(local, persisted)
}

// Merge deduplicates by EvidenceKey, preferring local over persisted and
// later local entries over earlier ones, and sorts newest first.
func Merge(local, persisted []models.EvidenceEntry) []models.EvidenceEntry {
	index := make(map[models.EvidenceKey]int, len(local)+len(persisted))
	out := make([]models.EvidenceEntry, 0, len(local)+len(persisted))

	for _, e := range local {
		if i, ok := index[e.Key()]; ok {
			out[i] = e
			continue
		}
		index[e.Key()] = len(out)
		out = append(out, e)
	}
	for _, e := range persisted {
		if _, ok := index[e.Key()]; ok {
			continue
		}
		index[e.Key()] = len(out)
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Close stops accepting writes and waits for queued entries to be stored.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed || l.queue == nil {
		l.closed = true
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
