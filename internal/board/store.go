package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/lattice-board/internal/db"
)

const objectPrefix = "object/"

// ObjectStore is the durable object set of one room. It is not safe for
// concurrent use; the owning room actor serializes every call.
type ObjectStore struct {
	store db.Store
}

func NewObjectStore(store db.Store) *ObjectStore {
	return &ObjectStore{store: store}
}

func (s *ObjectStore) Has(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get returns db.ErrNotFound when the object does not exist.
func (s *ObjectStore) Get(ctx context.Context, id string) (*Object, error) {
	data, err := s.store.Get(ctx, objectPrefix+id)
	if err != nil {
		return nil, err
	}
	obj, err := ParseObject(data)
	if err != nil {
		return nil, fmt.Errorf("decode stored object %q: %w", id, err)
	}
	return obj, nil
}

func (s *ObjectStore) Put(ctx context.Context, obj *Object) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, obj.Key(), data)
}

func (s *ObjectStore) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, objectPrefix+id)
}

// List returns every object keyed by id.
func (s *ObjectStore) List(ctx context.Context) (map[string]*Object, error) {
	entries, err := s.store.List(ctx, objectPrefix)
	if err != nil {
		return nil, err
	}

	objects := make(map[string]*Object, len(entries))
	for _, e := range entries {
		obj, err := ParseObject(e.Value)
		if err != nil {
			return nil, fmt.Errorf("decode stored object %q: %w", e.Key, err)
		}
		objects[obj.ID] = obj
	}
	return objects, nil
}

func (s *ObjectStore) DeleteAll(ctx context.Context) error {
	return s.store.DeleteAll(ctx, objectPrefix)
}

// ApplyEvent runs the optimistic-concurrency check for ev and, when it
// passes, persists the mutation. A returned error means storage failed;
// conflicts and protocol violations are reported through Result.
func (s *ObjectStore) ApplyEvent(ctx context.Context, ev *Event) (Result, error) {
	switch ev.Kind {
	case EventAdd:
		return s.applyAdd(ctx, ev)
	case EventPatch:
		return s.applyPatch(ctx, ev)
	case EventDelete:
		return s.applyDelete(ctx, ev)
	default:
		return invalid("unknown event kind %q", ev.Kind), nil
	}
}

func (s *ObjectStore) applyAdd(ctx context.Context, ev *Event) (Result, error) {
	exists, err := s.Has(ctx, ev.Object.ID)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return conflict(), nil
	}

	obj := *ev.Object
	stamp(&obj, ev)
	if err := s.Put(ctx, &obj); err != nil {
		return Result{}, err
	}
	return applied(Delivery{Event: Response{Kind: ResponseUpsert, Object: &obj}, To: ToOthers}), nil
}

func (s *ObjectStore) applyPatch(ctx context.Context, ev *Event) (Result, error) {
	current, err := s.Get(ctx, ev.ID)
	if errors.Is(err, db.ErrNotFound) {
		return conflict(), nil
	}
	if err != nil {
		return Result{}, err
	}

	fields, err := current.Fields()
	if err != nil {
		return Result{}, err
	}

	value, ok := fields[ev.Key]
	if !ok {
		return invalid("object %q has no field %q", ev.ID, ev.Key), nil
	}
	switch ev.Key {
	case fieldID, fieldLastEditedAt, fieldLastEditedBy:
		return invalid("field %q is read-only", ev.Key), nil
	}

	if !Equal(value, ev.Old) {
		return conflict(), nil
	}

	next, err := normalize(ev.New)
	if err != nil {
		return invalid("value.new: %v", err), nil
	}
	fields[ev.Key] = next

	updated, err := objectFromFields(fields)
	if err != nil {
		return invalid("patched object: %v", err), nil
	}
	stamp(updated, ev)

	if err := s.Put(ctx, updated); err != nil {
		return Result{}, err
	}
	return applied(Delivery{Event: Response{Kind: ResponseUpsert, Object: updated}, To: ToOthers}), nil
}

func (s *ObjectStore) applyDelete(ctx context.Context, ev *Event) (Result, error) {
	current, err := s.Get(ctx, ev.Object.ID)
	if errors.Is(err, db.ErrNotFound) {
		return conflict(), nil
	}
	if err != nil {
		return Result{}, err
	}

	// Full deep comparison except lastEditedAt and lastEditedBy, the only
	// fields the server stamps.
	same, err := sameContent(current, ev.Object)
	if err != nil {
		return Result{}, err
	}
	if !same {
		return conflict(), nil
	}

	if err := s.Delete(ctx, current.ID); err != nil {
		return Result{}, err
	}
	return applied(Delivery{Event: Response{Kind: ResponseDelete, ID: current.ID}, To: ToOthers}), nil
}

// sameContent compares two objects by deep equality, leaving out the
// server-stamped edit metadata. The author of an edit never receives its
// own upsert, so its copy cannot carry that metadata.
func sameContent(a, b *Object) (bool, error) {
	af, err := a.Fields()
	if err != nil {
		return false, err
	}
	bf, err := b.Fields()
	if err != nil {
		return false, err
	}
	for _, k := range []string{fieldLastEditedAt, fieldLastEditedBy} {
		delete(af, k)
		delete(bf, k)
	}
	return Equal(af, bf), nil
}

func stamp(obj *Object, ev *Event) {
	obj.LastEditedAt = ev.UniqueTimestamp
	obj.LastEditedBy = ev.RequestedBy
}
