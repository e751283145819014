package managers

import (
	"database/sql"
	"fmt"

	"migratory/internal/daemon"
	"migratory/internal/dependency"
	"migratory/internal/domain"
)

// Store groups the managers of every migratable type over one database.
type Store struct {
	Nodes   *NodeManager
	Objects map[domain.MigratableObjectType]*ObjectManager
}

func NewStore(db *sql.DB) *Store {
	s := &Store{Nodes: NewNodeManager(db), Objects: map[domain.MigratableObjectType]*ObjectManager{}}
	for _, t := range domain.AllTypes {
		if t == domain.TypeEntity {
			continue
		}
		m, err := NewObjectManager(db, t)
		if err != nil {
			panic(err)
		}
		s.Objects[t] = m
	}
	return s
}

// Object returns the manager of a flat type.
func (s *Store) Object(t domain.MigratableObjectType) (*ObjectManager, error) {
	m, ok := s.Objects[t]
	if !ok {
		return nil, fmt.Errorf("no manager for %s", t)
	}
	return m, nil
}

// Registry is the daemon dispatch table for the store.
func (s *Store) Registry() daemon.Registry {
	reg := daemon.Registry{domain.TypeEntity: {Lister: s.Nodes, Nodes: s.Nodes}}
	for t, m := range s.Objects {
		reg[t] = daemon.Handler{Manager: m, Lister: m}
	}
	return reg
}

// DependencySources lists every type in creation order.
func (s *Store) DependencySources() []dependency.Source {
	var out []dependency.Source
	for _, t := range domain.AllTypes {
		if t == domain.TypeEntity {
			out = append(out, s.Nodes)
			continue
		}
		if m, ok := s.Objects[t]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Enumerator enumerates the whole store.
func (s *Store) Enumerator(exclude ...domain.MigratableObjectType) dependency.Enumerator {
	e := dependency.New(s.DependencySources()...)
	e.ExcludeTypes = exclude
	return e
}

func NewRegistry(db *sql.DB) daemon.Registry {
	return NewStore(db).Registry()
}
