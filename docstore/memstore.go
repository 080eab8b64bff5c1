// Package docstore provides a minimal in-memory reference implementation
// of cdc.DocStore (the interface itself is declared in package cdc). A real
// deployment plugs in its own store (Mongo, a key-value service, whatever
// backs the target "document store" collaborator the spec treats as
// external); this package exists so the pipeline is runnable and testable
// end to end without one.
package docstore

import (
	"sync"

	"cdcbridge/cdc"
	"github.com/pkg/errors"
)

// MemStore is a process-local, mutex-guarded map-of-maps document store.
// Documents are keyed by their "_id" field, matching the sink's contract
// that every document carries one.
type MemStore struct {
	mu          sync.Mutex
	databases   map[string]bool
	collections map[string]map[string]bool // database -> collection -> exists
	docs        map[string]map[string]map[string]map[string]interface{}
}

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{
		databases:   make(map[string]bool),
		collections: make(map[string]map[string]bool),
		docs:        make(map[string]map[string]map[string]map[string]interface{}),
	}
}

// EnsureDatabase creates database if it doesn't already exist.
func (m *MemStore) EnsureDatabase(database string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.databases[database] = true
	if m.collections[database] == nil {
		m.collections[database] = make(map[string]bool)
	}
	if m.docs[database] == nil {
		m.docs[database] = make(map[string]map[string]map[string]interface{})
	}
	return nil
}

// EnsureCollection creates collection within database if it doesn't
// already exist.
func (m *MemStore) EnsureCollection(database, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[database] == nil {
		return errors.Errorf("docstore: database %q not created", database)
	}
	m.collections[database][collection] = true
	if m.docs[database][collection] == nil {
		m.docs[database][collection] = make(map[string]map[string]interface{})
	}
	return nil
}

// Execute applies plan against the store.
func (m *MemStore) Execute(plan cdc.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.docs[plan.Database][plan.Collection]
	if coll == nil {
		return errors.Errorf("docstore: collection %q.%q not created", plan.Database, plan.Collection)
	}

	switch plan.Op {
	case cdc.OpInsertMany:
		for _, doc := range plan.Docs {
			id, ok := doc["_id"].(string)
			if !ok {
				return errors.New("docstore: document missing string _id")
			}
			coll[id] = copyDoc(doc)
		}
		return nil
	case cdc.OpDeleteOne:
		id, err := matchID(plan)
		if err != nil {
			return err
		}
		delete(coll, id)
		return nil
	case cdc.OpUpdateOne:
		id, err := matchID(plan)
		if err != nil {
			return err
		}
		set, ok := plan.Setter["$set"].(map[string]interface{})
		if !ok {
			return errors.New("docstore: update plan missing $set")
		}
		existing, ok := coll[id]
		if !ok {
			return errors.Errorf("docstore: update on missing document _id=%s", id)
		}
		for k, v := range set {
			existing[k] = v
		}
		return nil
	default:
		return errors.Errorf("docstore: unknown op %v", plan.Op)
	}
}

func matchID(plan cdc.Plan) (string, error) {
	if plan.Match.Key != "_id" || plan.Match.Param < 1 || plan.Match.Param > len(plan.Params) {
		return "", errors.New("docstore: malformed match clause")
	}
	id, ok := plan.Params[plan.Match.Param-1].(string)
	if !ok {
		return "", errors.New("docstore: match parameter is not a string _id")
	}
	return id, nil
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Collection returns a snapshot of the documents currently stored in
// database.collection, for tests.
func (m *MemStore) Collection(database, collection string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.docs[database][collection]
	out := make([]map[string]interface{}, 0, len(coll))
	for _, doc := range coll {
		out = append(out, copyDoc(doc))
	}
	return out
}
