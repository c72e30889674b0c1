package osc

import (
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/osm"
)

// ErrMalformedFeed is returned for structural violations in an osmChange
// stream: missing required attributes, nested primitives, child elements
// outside their parent kind, or invalid XML.
var ErrMalformedFeed = errors.New("malformed feed")

// Decoder rebuilds nodes, ways and relations from a flat stream of
// enter/exit element events.
//
// The decoder is either idle or building exactly one primitive; primitives
// never nest. A Decoder is meant for a single batch.
type Decoder struct {
	batch  *Batch
	action Action

	// current is the primitive under construction, nil when idle
	current Primitive
}

// NewDecoder creates a decoder with an empty batch
func NewDecoder() *Decoder {
	return &Decoder{batch: NewBatch()}
}

// Batch returns the primitives finalized so far
func (d *Decoder) Batch() *Batch {
	return d.batch
}

// Start handles an enter-element event
func (d *Decoder) Start(name string, attrs []xml.Attr) error {
	switch name {
	case "create", "modify", "delete":
		d.action = Action(name)

	case "node", "way", "relation":
		if d.current != nil {
			return malformed("<%s> inside %s %d", name, d.current.Kind(), d.current.Meta().ID)
		}
		elem, err := d.element(name, attrs)
		if err != nil {
			return err
		}
		switch name {
		case "node":
			node := &Node{Element: elem}
			if node.Lat, err = optionalFloat(attrs, "lat"); err != nil {
				return malformed("node %d: %v", elem.ID, err)
			}
			if node.Lon, err = optionalFloat(attrs, "lon"); err != nil {
				return malformed("node %d: %v", elem.ID, err)
			}
			d.current = node
		case "way":
			d.current = &Way{Element: elem, NodeRefs: make([]int64, 0, 16)}
		case "relation":
			d.current = &Relation{Element: elem, Members: make([]Member, 0, 8)}
		}

	case "tag":
		if d.current == nil {
			return malformed("<tag> outside of a primitive")
		}
		k, ok := attr(attrs, "k")
		if !ok {
			return malformed("%s %d: <tag> without k", d.current.Kind(), d.current.Meta().ID)
		}
		v, _ := attr(attrs, "v")
		d.current.Meta().Tags[k] = v

	case "nd":
		way, ok := d.current.(*Way)
		if !ok {
			return malformed("<nd> outside of a way")
		}
		raw, _ := attr(attrs, "ref")
		ref, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return malformed("way %d: invalid nd ref %q", way.ID, raw)
		}
		way.NodeRefs = append(way.NodeRefs, ref)
		if _, seen := d.batch.Nodes[ref]; !seen {
			d.batch.DanglingRefs[ref] = struct{}{}
		}

	case "member":
		rel, ok := d.current.(*Relation)
		if !ok {
			return malformed("<member> outside of a relation")
		}
		// Members are not validated: the feed itself is loose about them.
		typ, _ := attr(attrs, "type")
		role, _ := attr(attrs, "role")
		raw, _ := attr(attrs, "ref")
		ref, _ := strconv.ParseInt(raw, 10, 64)
		rel.Members = append(rel.Members, Member{Type: osm.Type(typ), Role: role, Ref: ref})
	}

	return nil
}

// End handles an exit-element event
func (d *Decoder) End(name string) error {
	switch name {
	case "node", "way", "relation":
		if d.current == nil {
			return malformed("</%s> without matching start", name)
		}
		if string(d.current.Kind()) != name {
			return malformed("</%s> closes %s %d", name, d.current.Kind(), d.current.Meta().ID)
		}
		switch p := d.current.(type) {
		case *Node:
			d.batch.Nodes[p.ID] = p
		case *Way:
			d.batch.Ways[p.ID] = p
		case *Relation:
			d.batch.Relations[p.ID] = p
		}
		d.current = nil
	}
	return nil
}

// element reads the attributes shared by all primitive kinds
func (d *Decoder) element(name string, attrs []xml.Attr) (Element, error) {
	elem := Element{
		Action: d.action,
		Tags:   make(map[string]string),
	}

	raw, ok := attr(attrs, "id")
	if !ok {
		return elem, malformed("<%s> without id", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return elem, malformed("<%s> invalid id %q", name, raw)
	}
	elem.ID = id

	if raw, ok = attr(attrs, "version"); !ok {
		return elem, malformed("%s %d: missing version", name, id)
	}
	if elem.Version, err = strconv.Atoi(raw); err != nil {
		return elem, malformed("%s %d: invalid version %q", name, id, raw)
	}

	if raw, ok = attr(attrs, "changeset"); !ok {
		return elem, malformed("%s %d: missing changeset", name, id)
	}
	if elem.ChangesetID, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return elem, malformed("%s %d: invalid changeset %q", name, id, raw)
	}

	if raw, ok = attr(attrs, "timestamp"); !ok {
		return elem, malformed("%s %d: missing timestamp", name, id)
	}
	if elem.Timestamp, err = ParseTimestamp(raw); err != nil {
		return elem, fmt.Errorf("%w: %s %d: %w", ErrMalformedFeed, name, id, err)
	}

	elem.User, elem.HasUser = attr(attrs, "user")
	return elem, nil
}

// Decode streams an osmChange document through the decoder.
//
// On failure the returned batch still holds every primitive that was
// finalized before the offending element.
func (d *Decoder) Decode(r io.Reader) (*Batch, error) {
	dec := xml.NewDecoder(r)

	for {
		token, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			var syntaxErr *xml.SyntaxError
			if errors.As(err, &syntaxErr) {
				return d.batch, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
			}
			return d.batch, fmt.Errorf("failed to read osc stream: %w", err)
		}

		switch el := token.(type) {
		case xml.StartElement:
			err = d.Start(el.Name.Local, el.Attr)
		case xml.EndElement:
			err = d.End(el.Name.Local)
		}
		if err != nil {
			line, _ := dec.InputPos()
			return d.batch, fmt.Errorf("line %d: %w", line, err)
		}
	}

	if d.current != nil {
		return d.batch, malformed("unterminated %s %d", d.current.Kind(), d.current.Meta().ID)
	}
	return d.batch, nil
}

// Decode decodes a whole osmChange document with a fresh decoder
func Decode(r io.Reader) (*Batch, error) {
	return NewDecoder().Decode(r)
}

// DecodeFile decodes an OSC file; files ending in .gz are decompressed
func DecodeFile(filename string) (*Batch, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open OSC file: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(filename, ".gz") {
		gzReader, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	return Decode(reader)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFeed, fmt.Sprintf(format, args...))
}

// attr looks up an attribute by local name
func attr(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func optionalFloat(attrs []xml.Attr, name string) (float64, error) {
	raw, ok := attr(attrs, name)
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
