package dependency

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/naturalsort"

	"migratory/internal/domain"
)

var ErrDependencyCycle = errors.New("dependency cycle")

// Source lists every object of one type with its etag and dependencies.
type Source interface {
	Type() domain.MigratableObjectType
	ListObjects(ctx context.Context) ([]domain.MigratableObjectData, error)
}

type Enumerator struct {
	Sources      []Source
	ExcludeTypes []domain.MigratableObjectType
}

func New(sources ...Source) Enumerator {
	return Enumerator{Sources: sources}
}

// GetAllObjects returns one page of every object in the store. With orderByDependency every
// dependency present in the store comes before its dependents; otherwise objects are ordered by
// type and then by natural id order.
func (e Enumerator) GetAllObjects(ctx context.Context, offset, limit int64, orderByDependency bool) (domain.QueryResults, error) {
	all, err := e.collect(ctx)
	if err != nil {
		return domain.QueryResults{}, err
	}
	sortBase(all)
	if orderByDependency {
		all, err = topoSort(all)
		if err != nil {
			return domain.QueryResults{}, err
		}
	}
	res := domain.QueryResults{TotalNumberOfResults: int64(len(all)), Results: []domain.MigratableObjectData{}}
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(all)) {
		return res, nil
	}
	end := int64(len(all))
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	res.Results = all[offset:end]
	return res, nil
}

func (e Enumerator) collect(ctx context.Context) ([]domain.MigratableObjectData, error) {
	excluded := set.NewStrings()
	for _, t := range e.ExcludeTypes {
		excluded.Add(string(t))
	}
	seen := set.NewStrings()
	var all []domain.MigratableObjectData
	for _, src := range e.Sources {
		if excluded.Contains(string(src.Type())) {
			continue
		}
		objs, err := src.ListObjects(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", src.Type(), err)
		}
		for _, o := range objs {
			key := o.ID.String()
			if seen.Contains(key) {
				continue
			}
			seen.Add(key)
			all = append(all, o)
		}
	}
	return all, nil
}

// sortBase orders by type priority, then natural id order within a type.
func sortBase(objs []domain.MigratableObjectData) {
	byType := map[domain.MigratableObjectType][]string{}
	for _, o := range objs {
		byType[o.ID.Type] = append(byType[o.ID.Type], o.ID.ID)
	}
	rank := map[string]int{}
	for t, ids := range byType {
		naturalsort.Sort(ids)
		for i, id := range ids {
			rank[string(t)+":"+id] = i
		}
	}
	sort.SliceStable(objs, func(i, j int) bool {
		pi, pj := objs[i].ID.Type.Priority(), objs[j].ID.Type.Priority()
		if pi != pj {
			return pi < pj
		}
		if objs[i].ID.Type != objs[j].ID.Type {
			return objs[i].ID.Type < objs[j].ID.Type
		}
		return rank[objs[i].ID.String()] < rank[objs[j].ID.String()]
	})
}

// topoSort is Kahn's algorithm. Among ready objects the one earliest in base order goes first.
// Dependencies on objects outside the input are ignored.
func topoSort(objs []domain.MigratableObjectData) ([]domain.MigratableObjectData, error) {
	index := make(map[string]int, len(objs))
	for i, o := range objs {
		index[o.ID.String()] = i
	}
	indegree := make([]int, len(objs))
	dependents := make([][]int, len(objs))
	for i, o := range objs {
		deps := set.NewStrings()
		for _, d := range o.Dependencies {
			j, ok := index[d.String()]
			if !ok || j == i || deps.Contains(d.String()) {
				continue
			}
			deps.Add(d.String())
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	ready := &intHeap{}
	for i := range objs {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]domain.MigratableObjectData, 0, len(objs))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, objs[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}
	if len(out) != len(objs) {
		var stuck []string
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, objs[i].ID.String())
			}
		}
		return nil, fmt.Errorf("%w among %v", ErrDependencyCycle, stuck)
	}
	return out, nil
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
