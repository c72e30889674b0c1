package osc

import (
	"sort"

	"github.com/paulmach/osm"
)

// Action represents the type of change in an OSC file
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Element holds the attributes shared by nodes, ways and relations
type Element struct {
	ID          int64
	Version     int
	ChangesetID int64
	User        string
	HasUser     bool // false when the user attribute was absent (anonymous edit)
	Timestamp   int64
	Action      Action
	Tags        map[string]string
}

// Meta returns the shared attributes of a primitive
func (e *Element) Meta() *Element {
	return e
}

// Node is a decoded node primitive
type Node struct {
	Element
	Lat float64
	Lon float64
}

// Kind returns osm.TypeNode
func (n *Node) Kind() osm.Type { return osm.TypeNode }

// Way is a decoded way primitive. NodeRefs keeps document order.
type Way struct {
	Element
	NodeRefs []int64
}

// Kind returns osm.TypeWay
func (w *Way) Kind() osm.Type { return osm.TypeWay }

// Member is one entry of a relation's member list
type Member struct {
	Type osm.Type
	Role string
	Ref  int64
}

// Relation is a decoded relation primitive. Members keeps document order.
type Relation struct {
	Element
	Members []Member
}

// Kind returns osm.TypeRelation
func (r *Relation) Kind() osm.Type { return osm.TypeRelation }

// Primitive is implemented by *Node, *Way and *Relation
type Primitive interface {
	Kind() osm.Type
	Meta() *Element
}

// Batch is the decode result of one replication interval
type Batch struct {
	Nodes     map[int64]*Node
	Ways      map[int64]*Way
	Relations map[int64]*Relation

	// DanglingRefs holds way node references that were not among the
	// batch's nodes when the reference was decoded. It is a lower bound:
	// the node may well exist outside this batch.
	DanglingRefs map[int64]struct{}
}

// NewBatch returns an empty batch
func NewBatch() *Batch {
	return &Batch{
		Nodes:        make(map[int64]*Node),
		Ways:         make(map[int64]*Way),
		Relations:    make(map[int64]*Relation),
		DanglingRefs: make(map[int64]struct{}),
	}
}

// Len returns the number of primitives in the batch
func (b *Batch) Len() int {
	return len(b.Nodes) + len(b.Ways) + len(b.Relations)
}

// IsDangling reports whether ref was flagged as a dangling way node reference
func (b *Batch) IsDangling(ref int64) bool {
	_, ok := b.DanglingRefs[ref]
	return ok
}

// Primitives returns every primitive of the batch: nodes first, then ways,
// then relations, each kind ordered by id.
func (b *Batch) Primitives() []Primitive {
	out := make([]Primitive, 0, b.Len())
	for _, id := range sortedKeys(b.Nodes) {
		out = append(out, b.Nodes[id])
	}
	for _, id := range sortedKeys(b.Ways) {
		out = append(out, b.Ways[id])
	}
	for _, id := range sortedKeys(b.Relations) {
		out = append(out, b.Relations[id])
	}
	return out
}

// Stats counts the batch's primitives per kind and action
func (b *Batch) Stats() Stats {
	var s Stats
	for _, p := range b.Primitives() {
		s.add(p.Kind(), p.Meta().Action)
	}
	s.DanglingRefs = int64(len(b.DanglingRefs))
	return s
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Stats tracks per-kind, per-action counts of a batch
type Stats struct {
	NodesCreated      int64
	NodesModified     int64
	NodesDeleted      int64
	WaysCreated       int64
	WaysModified      int64
	WaysDeleted       int64
	RelationsCreated  int64
	RelationsModified int64
	RelationsDeleted  int64
	DanglingRefs      int64
}

func (s *Stats) add(kind osm.Type, action Action) {
	switch kind {
	case osm.TypeNode:
		switch action {
		case ActionCreate:
			s.NodesCreated++
		case ActionModify:
			s.NodesModified++
		case ActionDelete:
			s.NodesDeleted++
		}
	case osm.TypeWay:
		switch action {
		case ActionCreate:
			s.WaysCreated++
		case ActionModify:
			s.WaysModified++
		case ActionDelete:
			s.WaysDeleted++
		}
	case osm.TypeRelation:
		switch action {
		case ActionCreate:
			s.RelationsCreated++
		case ActionModify:
			s.RelationsModified++
		case ActionDelete:
			s.RelationsDeleted++
		}
	}
}

// Total returns total number of changes
func (s *Stats) Total() int64 {
	return s.NodesCreated + s.NodesModified + s.NodesDeleted +
		s.WaysCreated + s.WaysModified + s.WaysDeleted +
		s.RelationsCreated + s.RelationsModified + s.RelationsDeleted
}
