package osc

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/paulmach/osm"
)

func TestBatchRoundTrip(t *testing.T) {
	input := `<osmChange>
<create>
  <node id="1" lat="43.7384" lon="7.4246" version="1" changeset="123" timestamp="2024-01-15T12:00:00Z" user="alice">
    <tag k="name" v="Café &amp; Bar"/>
    <tag k="amenity" v="cafe"/>
  </node>
  <node id="2" lat="43.7390" lon="7.4250" version="1" changeset="123" timestamp="2024-01-15T12:00:01Z"/>
  <way id="100" version="1" changeset="124" timestamp="2024-01-15T12:00:05Z" user="bob">
    <nd ref="3"/><nd ref="1"/><nd ref="2"/>
    <tag k="highway" v="primary"/>
  </way>
  <way id="101" version="1" changeset="125" timestamp="2024-01-15T12:00:06Z" user="">
    <nd ref="1"/><nd ref="2"/>
  </way>
</create>
<modify>
  <relation id="200" version="2" changeset="126" timestamp="2024-01-15T12:00:20Z" user="carol">
    <member type="way" ref="100" role="outer"/>
    <member type="node" ref="1" role="label"/>
    <tag k="type" v="multipolygon"/>
  </relation>
</modify>
<delete>
  <node id="999" lat="1.5" lon="-2.25" version="3" changeset="127" timestamp="2024-01-15T12:00:30Z" user="dave"/>
</delete>
</osmChange>`

	first, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var buf bytes.Buffer
	if err := first.WriteXML(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	second, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode re-encoded batch: %v\n%s", err, buf.String())
	}

	if !reflect.DeepEqual(first.Nodes, second.Nodes) {
		t.Errorf("nodes differ after round trip:\n%+v\n%+v", first.Nodes, second.Nodes)
	}
	if !reflect.DeepEqual(first.Ways, second.Ways) {
		t.Errorf("ways differ after round trip:\n%+v\n%+v", first.Ways, second.Ways)
	}
	if !reflect.DeepEqual(first.Relations, second.Relations) {
		t.Errorf("relations differ after round trip:\n%+v\n%+v", first.Relations, second.Relations)
	}

	if n := second.Nodes[2]; n == nil || n.HasUser {
		t.Errorf("anonymous node gained a user after round trip: %+v", n)
	}
	if w := second.Ways[101]; w == nil || !w.HasUser || w.User != "" {
		t.Errorf("explicit empty user lost after round trip: %+v", w)
	}
}

func TestWriteXMLOmitsAbsentUser(t *testing.T) {
	batch, err := Decode(strings.NewReader(`<osmChange><modify>
<node id="7" lat="1" lon="2" version="2" changeset="9" timestamp="2024-01-15T12:00:00Z"/>
<node id="8" lat="1" lon="2" version="2" changeset="9" timestamp="2024-01-15T12:00:00Z" user="erin"/>
</modify></osmChange>`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var buf bytes.Buffer
	if err := batch.WriteXML(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	out := buf.String()
	if got := strings.Count(out, `user=`); got != 1 {
		t.Errorf("got %d user attributes, want 1:\n%s", got, out)
	}
	if !strings.Contains(out, `user="erin"`) {
		t.Errorf("named user missing:\n%s", out)
	}
}

func TestBatchChangeSections(t *testing.T) {
	batch, err := Decode(strings.NewReader(sampleChange))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	change := batch.Change()
	if change.Create == nil || len(change.Create.Nodes) != 1 || len(change.Create.Ways) != 1 {
		t.Errorf("unexpected create section: %+v", change.Create)
	}
	if change.Modify == nil || len(change.Modify.Relations) != 1 {
		t.Errorf("unexpected modify section: %+v", change.Modify)
	}
	if change.Delete == nil || len(change.Delete.Nodes) != 1 || len(change.Delete.Ways) != 1 {
		t.Fatalf("unexpected delete section: %+v", change.Delete)
	}
	if change.Delete.Nodes[0].Visible {
		t.Error("deleted node should not be visible")
	}
	if got := change.Modify.Relations[0].Members[0].Type; got != osm.TypeWay {
		t.Errorf("member type = %s, want way", got)
	}
}
