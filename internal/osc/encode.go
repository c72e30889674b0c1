package osc

import (
	"bytes"
	"encoding/xml"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/paulmach/osm"
)

// Change converts the batch back into an osm.Change grouped by action.
// Primitives decoded outside of an action wrapper are emitted under modify.
func (b *Batch) Change() *osm.Change {
	change := &osm.Change{
		Version:   "0.6",
		Generator: "osmdiffstats",
	}

	section := func(action Action) *osm.OSM {
		var target **osm.OSM
		switch action {
		case ActionCreate:
			target = &change.Create
		case ActionDelete:
			target = &change.Delete
		default:
			target = &change.Modify
		}
		if *target == nil {
			*target = &osm.OSM{}
		}
		return *target
	}

	for _, p := range b.Primitives() {
		switch v := p.(type) {
		case *Node:
			o := section(v.Action)
			o.Nodes = append(o.Nodes, v.osmNode())
		case *Way:
			o := section(v.Action)
			o.Ways = append(o.Ways, v.osmWay())
		case *Relation:
			o := section(v.Action)
			o.Relations = append(o.Relations, v.osmRelation())
		}
	}

	return change
}

// WriteXML encodes the batch as an osmChange document. Primitives decoded
// without a user attribute are written without one.
func (b *Batch) WriteXML(w io.Writer) error {
	raw, err := xml.Marshal(b.Change())
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	for {
		token, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if start, ok := token.(xml.StartElement); ok && b.anonymous(start) {
			start.Attr = withoutAttr(start.Attr, "user")
			token = start
		}
		if err := enc.EncodeToken(token); err != nil {
			return err
		}
	}
	return enc.Flush()
}

// anonymous reports whether start opens a primitive that had no user
func (b *Batch) anonymous(start xml.StartElement) bool {
	value, ok := attr(start.Attr, "id")
	if !ok {
		return false
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false
	}

	var elem *Element
	switch start.Name.Local {
	case "node":
		if n := b.Nodes[id]; n != nil {
			elem = &n.Element
		}
	case "way":
		if w := b.Ways[id]; w != nil {
			elem = &w.Element
		}
	case "relation":
		if r := b.Relations[id]; r != nil {
			elem = &r.Element
		}
	}
	return elem != nil && !elem.HasUser
}

func withoutAttr(attrs []xml.Attr, name string) []xml.Attr {
	out := make([]xml.Attr, 0, len(attrs))
	for _, a := range attrs {
		if a.Name.Local != name {
			out = append(out, a)
		}
	}
	return out
}

func (n *Node) osmNode() *osm.Node {
	return &osm.Node{
		ID:          osm.NodeID(n.ID),
		Lat:         n.Lat,
		Lon:         n.Lon,
		User:        n.User,
		Visible:     n.Action != ActionDelete,
		Version:     n.Version,
		ChangesetID: osm.ChangesetID(n.ChangesetID),
		Timestamp:   time.Unix(n.Timestamp, 0).UTC(),
		Tags:        osmTags(n.Tags),
	}
}

func (w *Way) osmWay() *osm.Way {
	nodes := make(osm.WayNodes, len(w.NodeRefs))
	for i, ref := range w.NodeRefs {
		nodes[i] = osm.WayNode{ID: osm.NodeID(ref)}
	}
	return &osm.Way{
		ID:          osm.WayID(w.ID),
		User:        w.User,
		Visible:     w.Action != ActionDelete,
		Version:     w.Version,
		ChangesetID: osm.ChangesetID(w.ChangesetID),
		Timestamp:   time.Unix(w.Timestamp, 0).UTC(),
		Nodes:       nodes,
		Tags:        osmTags(w.Tags),
	}
}

func (r *Relation) osmRelation() *osm.Relation {
	members := make(osm.Members, len(r.Members))
	for i, m := range r.Members {
		members[i] = osm.Member{Type: m.Type, Ref: m.Ref, Role: m.Role}
	}
	return &osm.Relation{
		ID:          osm.RelationID(r.ID),
		User:        r.User,
		Visible:     r.Action != ActionDelete,
		Version:     r.Version,
		ChangesetID: osm.ChangesetID(r.ChangesetID),
		Timestamp:   time.Unix(r.Timestamp, 0).UTC(),
		Members:     members,
		Tags:        osmTags(r.Tags),
	}
}

func osmTags(m map[string]string) osm.Tags {
	tags := make(osm.Tags, 0, len(m))
	for k, v := range m {
		tags = append(tags, osm.Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}
