package gallery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Store persists identities. ListIdentities returns them in insertion order.
type Store interface {
	ListIdentities(ctx context.Context) ([]Identity, error)
	SaveIdentity(ctx context.Context, identity Identity) error
	DeleteIdentity(ctx context.Context, name string) error
}

// Snapshot is an immutable, ordered view of the gallery.
type Snapshot struct {
	entries []Identity
}

// Len returns the number of identities in the snapshot.
func (s Snapshot) Len() int { return len(s.entries) }

// At returns the identity at position i in insertion order.
func (s Snapshot) At(i int) Identity { return s.entries[i] }

// Identities returns a copy of the snapshot entries.
func (s Snapshot) Identities() []Identity {
	return append([]Identity(nil), s.entries...)
}

type indexState struct {
	entries []Identity
	byName  map[string]int
	refs    map[string]int
}

// Index is the in-memory gallery. Writers are serialized and publish a new
// immutable state; readers load the current state without locking.
type Index struct {
	mu     sync.Mutex
	state  atomic.Pointer[indexState]
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewIndex returns an empty index. store may be nil for a memory-only gallery.
func NewIndex(store Store, logger *zap.Logger) *Index {
	idx := &Index{store: store, logger: logger.Named("gallery_index"), now: time.Now}
	idx.state.Store(buildState(nil))
	return idx
}

// Load replaces the index contents with the persisted identities.
func (x *Index) Load(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	identities, err := x.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load gallery: %w", err)
	}
	seen := make(map[string]struct{}, len(identities))
	entries := make([]Identity, 0, len(identities))
	for _, id := range identities {
		key := lookupKey(id.Name)
		if _, dup := seen[key]; dup {
			x.logger.Warn("skipping duplicate persisted identity", zap.String("name", id.Name))
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, id)
	}
	x.state.Store(buildState(entries))
	x.logger.Info("gallery loaded", zap.Int("identities", len(entries)))
	return nil
}

// Add registers name → blobKey. The name is normalized first.
func (x *Index) Add(ctx context.Context, name, blobKey string) (Identity, error) {
	canonical, err := NormalizeName(name)
	if err != nil {
		return Identity{}, err
	}
	if blobKey == "" {
		return Identity{}, fmt.Errorf("blob key is required")
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.state.Load()
	if i, ok := cur.byName[lookupKey(canonical)]; ok {
		return cur.entries[i], fmt.Errorf("%w: %s", ErrConflict, cur.entries[i].Name)
	}

	identity := Identity{Name: canonical, BlobKey: blobKey, EnrolledAt: x.now().UTC()}
	if x.store != nil {
		if err := x.store.SaveIdentity(ctx, identity); err != nil {
			return Identity{}, fmt.Errorf("persist identity %s: %w", canonical, err)
		}
	}

	entries := make([]Identity, len(cur.entries), len(cur.entries)+1)
	copy(entries, cur.entries)
	x.state.Store(buildState(append(entries, identity)))
	return identity, nil
}

// Remove deregisters name, keeping the order of the remaining identities.
func (x *Index) Remove(ctx context.Context, name string) (Identity, error) {
	canonical, err := NormalizeName(name)
	if err != nil {
		return Identity{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.state.Load()
	i, ok := cur.byName[lookupKey(canonical)]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	removed := cur.entries[i]
	if x.store != nil {
		if err := x.store.DeleteIdentity(ctx, removed.Name); err != nil {
			return Identity{}, fmt.Errorf("delete identity %s: %w", removed.Name, err)
		}
	}

	entries := make([]Identity, 0, len(cur.entries)-1)
	entries = append(entries, cur.entries[:i]...)
	entries = append(entries, cur.entries[i+1:]...)
	x.state.Store(buildState(entries))
	return removed, nil
}

// Snapshot returns the current gallery in insertion order.
func (x *Index) Snapshot() Snapshot {
	return Snapshot{entries: x.state.Load().entries}
}

// Lookup finds an identity by name in any letter case, with or without suffix.
func (x *Index) Lookup(name string) (Identity, bool) {
	canonical, err := NormalizeName(name)
	if err != nil {
		return Identity{}, false
	}
	cur := x.state.Load()
	i, ok := cur.byName[lookupKey(canonical)]
	if !ok {
		return Identity{}, false
	}
	return cur.entries[i], true
}

// FindByBlobKey returns the first identity enrolled with blobKey.
func (x *Index) FindByBlobKey(blobKey string) (Identity, bool) {
	cur := x.state.Load()
	if cur.refs[blobKey] == 0 {
		return Identity{}, false
	}
	for _, id := range cur.entries {
		if id.BlobKey == blobKey {
			return id, true
		}
	}
	return Identity{}, false
}

// References counts identities pointing at blobKey.
func (x *Index) References(blobKey string) int {
	return x.state.Load().refs[blobKey]
}

// Len returns the number of enrolled identities.
func (x *Index) Len() int {
	return len(x.state.Load().entries)
}

func buildState(entries []Identity) *indexState {
	st := &indexState{
		entries: entries,
		byName:  make(map[string]int, len(entries)),
		refs:    make(map[string]int, len(entries)),
	}
	for i, id := range entries {
		st.byName[lookupKey(id.Name)] = i
		st.refs[id.BlobKey]++
	}
	return st
}
