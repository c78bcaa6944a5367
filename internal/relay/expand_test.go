package relay

import (
	"context"
	"testing"

	logx "relaybot/pkg/logx"
)

func unitTexts(units []DeliveryUnit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, PlainText(u.Segments))
	}
	return out
}

func bundleNode(name, id string, segs ...any) BundleNode {
	return BundleNode{
		"sender":  map[string]any{"nickname": name, "user_id": id},
		"time":    float64(1_760_000_000),
		"content": segs,
	}
}

func rawSeg(typ string, data map[string]any) map[string]any {
	return map[string]any{"type": typ, "data": data}
}

func TestExpandPreservesOrder(t *testing.T) {
	src := newStubSource()
	src.bundles["X"] = []BundleNode{
		bundleNode("bob", "2", rawSeg("text", map[string]any{"text": "nodeA"})),
		bundleNode("carol", "3", rawSeg("text", map[string]any{"text": "nodeB"})),
	}
	e := &Expander{Fetcher: src, Log: logx.Nop()}

	units := e.Expand(context.Background(), []Segment{
		Text("a"),
		seg("forward", "id", "X"),
		Text("b"),
	}, Attribution{SenderName: "alice", SenderID: "1", Time: "t0"}, 0)

	got := unitTexts(units)
	want := []string{"a", "nodeA", "nodeB", "b"}
	if len(got) != len(want) {
		t.Fatalf("units=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unit %d=%q want %q (all=%v)", i, got[i], want[i], got)
		}
	}
	if units[0].SenderName != "alice" || units[3].SenderName != "alice" {
		t.Fatalf("outer units must keep outer attribution: %+v", units)
	}
	if units[1].SenderName != "bob" || units[1].SenderID != "2" {
		t.Fatalf("node attribution=%+v", units[1].Attribution)
	}
	if units[2].SenderName != "carol" {
		t.Fatalf("node attribution=%+v", units[2].Attribution)
	}
}

func TestExpandDepthGuard(t *testing.T) {
	src := newStubSource()
	ids := []string{"L0", "L1", "L2", "L3", "L4", "L5"}
	for i := 0; i < len(ids)-1; i++ {
		src.bundles[ids[i]] = []BundleNode{
			bundleNode("n", "9", rawSeg("forward", map[string]any{"id": ids[i+1]})),
		}
	}
	e := &Expander{Fetcher: src, Log: logx.Nop()}

	units := e.Expand(context.Background(), []Segment{seg("forward", "id", "L0")}, Attribution{}, 0)
	if len(units) != 1 {
		t.Fatalf("units=%v want single placeholder", unitTexts(units))
	}
	if got := PlainText(units[0].Segments); got != LabelTooDeep {
		t.Fatalf("unit=%q want %q", got, LabelTooDeep)
	}
	want := []string{"L0", "L1", "L2", "L3"}
	if len(src.fetched) != len(want) {
		t.Fatalf("fetched=%v want %v", src.fetched, want)
	}
	for i := range want {
		if src.fetched[i] != want[i] {
			t.Fatalf("fetched=%v want %v", src.fetched, want)
		}
	}
}

func TestExpandFetchFailureYieldsPlaceholder(t *testing.T) {
	e := &Expander{Fetcher: newStubSource(), Log: logx.Nop()}
	units := e.Expand(context.Background(), []Segment{seg("forward", "resid", "gone")}, Attribution{SenderName: "alice"}, 0)
	if len(units) != 1 || PlainText(units[0].Segments) != "[forwarded bundle:gone]" {
		t.Fatalf("units=%v", unitTexts(units))
	}

	units = e.Expand(context.Background(), []Segment{seg("forward")}, Attribution{}, 0)
	if len(units) != 1 || PlainText(units[0].Segments) != "[forwarded bundle:unknown]" {
		t.Fatalf("units=%v", unitTexts(units))
	}
}

func TestExpandEmptyInputAndEmptyNode(t *testing.T) {
	src := newStubSource()
	src.bundles["E"] = []BundleNode{{"sender": map[string]any{"card": "dave"}}}
	e := &Expander{Fetcher: src, Log: logx.Nop()}

	units := e.Expand(context.Background(), nil, Attribution{}, 0)
	if len(units) != 1 || PlainText(units[0].Segments) != LabelEmpty {
		t.Fatalf("empty input units=%v", unitTexts(units))
	}
	if units[0].SenderName != UnknownUser || units[0].SenderID != UnknownUserID || units[0].Time != UnknownTime {
		t.Fatalf("fallback attribution=%+v", units[0].Attribution)
	}

	units = e.Expand(context.Background(), []Segment{seg("forward", "id", "E")}, Attribution{SenderID: "1"}, 0)
	if len(units) != 1 || PlainText(units[0].Segments) != LabelEmpty || units[0].SenderName != "dave" {
		t.Fatalf("empty node units=%+v", units)
	}
	if units[0].SenderID != "1" {
		t.Fatalf("node without id should inherit parent id, got %q", units[0].SenderID)
	}
}

func TestNodeSegmentShapes(t *testing.T) {
	cases := []struct {
		name string
		node BundleNode
		want string
	}{
		{"content", BundleNode{"content": []any{rawSeg("text", map[string]any{"text": "c"})}}, "c"},
		{"message", BundleNode{"message": []any{rawSeg("text", map[string]any{"text": "m"})}}, "m"},
		{"messages", BundleNode{"messages": []any{rawSeg("text", map[string]any{"text": "ms"})}}, "ms"},
		{"string message", BundleNode{"message": "plain"}, "plain"},
		{"raw_message", BundleNode{"raw_message": "raw"}, "raw"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			segs := nodeSegments(tc.node)
			if got := PlainText(segs); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
	if segs := nodeSegments(BundleNode{}); segs != nil {
		t.Fatalf("empty node segments=%v", segs)
	}
}

func TestNodeAttributionPrecedence(t *testing.T) {
	e := &Expander{Log: logx.Nop()}
	fallback := Attribution{SenderName: "outer", SenderID: "0", Time: "t0"}

	a := e.nodeAttribution(BundleNode{
		"sender":   map[string]any{"card": "Card", "nickname": "Nick", "user_id": float64(5)},
		"nickname": "NodeNick",
		"user_id":  "6",
	}, fallback)
	if a.SenderName != "Card" || a.SenderID != "5" {
		t.Fatalf("attribution=%+v", a)
	}

	a = e.nodeAttribution(BundleNode{"name": "NodeName", "uin": "77", "time": "yesterday"}, fallback)
	if a.SenderName != "NodeName" || a.SenderID != "77" || a.Time != "yesterday" {
		t.Fatalf("attribution=%+v", a)
	}

	a = e.nodeAttribution(BundleNode{}, fallback)
	if a != fallback {
		t.Fatalf("attribution=%+v want fallback %+v", a, fallback)
	}
}
