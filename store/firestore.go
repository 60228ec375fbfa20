package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore implements Store on top of a Cloud Firestore client.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore builds a Firestore-backed store for the current GCP project.
func NewFirestore(ctx context.Context) (*Firestore, error) {
	projectID, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve project ID: %w", err)
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

func (f *Firestore) Close() error { return f.client.Close() }

func (f *Firestore) doc(ref Ref) *firestore.DocumentRef {
	return f.client.Collection(ref.Collection).Doc(ref.ID)
}

func (f *Firestore) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	snap, err := f.doc(ref).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return NewSnapshot(ref.ID, false, nil), nil
	}
	if err != nil {
		return Snapshot{}, classify(err)
	}
	return NewSnapshot(snap.Ref.ID, true, snap.Data()), nil
}

func (f *Firestore) Set(ctx context.Context, ref Ref, v any) error {
	_, err := f.doc(ref).Set(ctx, v)
	return classify(err)
}

func (f *Firestore) Delete(ctx context.Context, ref Ref) error {
	_, err := f.doc(ref).Delete(ctx)
	return classify(err)
}

func (f *Firestore) NewID(collection string) string {
	return f.client.Collection(collection).NewDoc().ID
}

type firestoreTx struct {
	f  *Firestore
	tx *firestore.Transaction
}

func (t firestoreTx) Get(ref Ref) (Snapshot, error) {
	snap, err := t.tx.Get(t.f.doc(ref))
	if status.Code(err) == codes.NotFound {
		return NewSnapshot(ref.ID, false, nil), nil
	}
	if err != nil {
		return Snapshot{}, classify(err)
	}
	return NewSnapshot(snap.Ref.ID, true, snap.Data()), nil
}

func (t firestoreTx) Set(ref Ref, v any) error {
	return classify(t.tx.Set(t.f.doc(ref), v))
}

func (t firestoreTx) Delete(ref Ref) error {
	return classify(t.tx.Delete(t.f.doc(ref)))
}

// RunTransaction delegates retry handling to the Firestore client, which
// replays the function when a concurrent commit invalidates its read-set.
func (f *Firestore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, firestoreTx{f: f, tx: tx})
	})
	return classify(err)
}

func (f *Firestore) Query(ctx context.Context, q Query) ([]Snapshot, error) {
	col := f.client.Collection(q.Collection)
	fq := col.Query
	for _, flt := range q.Filters {
		if flt.Field == DocumentID {
			fq = fq.Where(firestore.DocumentID, string(flt.Op), f.docRefs(col, flt.Value))
			continue
		}
		fq = fq.Where(flt.Field, string(flt.Op), flt.Value)
	}
	dir := firestore.Asc
	if q.Desc {
		dir = firestore.Desc
	}
	switch {
	case q.OrderBy != "":
		fq = fq.OrderBy(q.OrderBy, dir)
	case q.StartAfter != "":
		// snapshot cursors need an explicit ordering
		fq = fq.OrderBy(firestore.DocumentID, firestore.Asc)
	}
	if q.StartAfter != "" {
		cursor, err := col.Doc(q.StartAfter).Get(ctx)
		if err != nil {
			return nil, classify(err)
		}
		fq = fq.StartAfter(cursor)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}

	var result []Snapshot
	iter := fq.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return result, nil
		}
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, NewSnapshot(snap.Ref.ID, true, snap.Data()))
	}
}

// docRefs turns a []string of document ids into refs, which the __name__
// field path requires.
func (f *Firestore) docRefs(col *firestore.CollectionRef, v any) []*firestore.DocumentRef {
	ids, ok := v.([]string)
	if !ok {
		return nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, col.Doc(id))
	}
	return refs
}

func (f *Firestore) Watch(ctx context.Context, ref Ref, fn func(Snapshot)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	iter := f.doc(ref).Snapshots(ctx)
	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				return
			}
			if !snap.Exists() {
				fn(NewSnapshot(ref.ID, false, nil))
				continue
			}
			fn(NewSnapshot(snap.Ref.ID, true, snap.Data()))
		}
	}()
	return cancel, nil
}

// classify maps store errors onto the package sentinels so callers can
// distinguish conflicts, missing documents and transient outages.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case codes.Aborted:
		return fmt.Errorf("%w: %v", ErrAborted, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
