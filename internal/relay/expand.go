package relay

import (
	"context"
	"time"

	logx "relaybot/pkg/logx"
)

// MaxBundleDepth is the nesting level at which expansion stops.
const MaxBundleDepth = 4

// Attribution names the author of a delivery unit.
type Attribution struct {
	SenderName string
	SenderID   string
	Time       string
}

// DeliveryUnit is one logical message after forward-bundle expansion.
type DeliveryUnit struct {
	Attribution
	Segments []Segment
}

// BundleNode is one raw entry of a forwarded bundle as returned by the
// source platform.
type BundleNode map[string]any

// BundleFetcher resolves a forwarded-bundle id into its nodes.
type BundleFetcher interface {
	FetchForwardBundle(ctx context.Context, id string) ([]BundleNode, error)
}

// Expander flattens forwarded bundles into an ordered list of delivery units.
type Expander struct {
	Fetcher  BundleFetcher
	Location *time.Location
	Log      logx.Logger
}

// Expand walks segs and returns delivery units in source order. Non-bundle
// segments between bundles are grouped into units attributed to who; each
// bundle is replaced by the units of its nodes. Expansion never fails: fetch
// errors and excess nesting become placeholder units.
func (e *Expander) Expand(ctx context.Context, segs []Segment, who Attribution, depth int) []DeliveryUnit {
	who = normalizeAttribution(who)
	if depth >= MaxBundleDepth {
		return []DeliveryUnit{{Attribution: who, Segments: []Segment{Text(LabelTooDeep)}}}
	}

	var (
		units   []DeliveryUnit
		current []Segment
	)
	flush := func() {
		if len(current) > 0 {
			units = append(units, DeliveryUnit{Attribution: who, Segments: current})
			current = nil
		}
	}

	for _, seg := range segs {
		if seg.Kind() != KindForward {
			current = append(current, seg)
			continue
		}
		flush()

		id := seg.Str("id", "resid", "forward_id")
		var nodes []BundleNode
		if id != "" && e.Fetcher != nil {
			var err error
			nodes, err = e.Fetcher.FetchForwardBundle(ctx, id)
			if err != nil {
				e.Log.Warn("forward bundle fetch failed", logx.String("forward_id", id), logx.Int("depth", depth), logx.Err(err))
				nodes = nil
			}
		}

		produced := false
		for _, node := range nodes {
			nodeWho := e.nodeAttribution(node, who)
			nodeSegs := nodeSegments(node)
			if len(nodeSegs) == 0 {
				units = append(units, DeliveryUnit{Attribution: nodeWho, Segments: []Segment{Text(LabelEmpty)}})
				produced = true
				continue
			}
			sub := e.Expand(ctx, nodeSegs, nodeWho, depth+1)
			if len(sub) > 0 {
				units = append(units, sub...)
				produced = true
			}
		}
		if !produced {
			units = append(units, DeliveryUnit{Attribution: who, Segments: []Segment{Text(forwardLabel(id))}})
		}
	}
	flush()

	if len(units) == 0 {
		units = append(units, DeliveryUnit{Attribution: who, Segments: []Segment{Text(LabelEmpty)}})
	}
	return units
}

func normalizeAttribution(a Attribution) Attribution {
	a.SenderName = firstNonEmpty(a.SenderName, UnknownUser)
	a.SenderID = firstNonEmpty(a.SenderID, UnknownUserID)
	a.Time = firstNonEmpty(a.Time, UnknownTime)
	return a
}

// nodeSegments extracts a node's content from "content", "message" or
// "messages", falling back to a plain-text "raw_message".
func nodeSegments(node BundleNode) []Segment {
	for _, key := range []string{"content", "message", "messages"} {
		if raw, ok := node[key]; ok {
			if segs := NormalizeSegments(raw); len(segs) > 0 {
				return segs
			}
		}
	}
	if s := stringOf(node["raw_message"]); s != "" {
		return []Segment{Text(s)}
	}
	return nil
}

func (e *Expander) nodeAttribution(node BundleNode, fallback Attribution) Attribution {
	sender := mapOf(node["sender"])
	name := firstNonEmpty(
		stringOf(sender["card"]),
		stringOf(sender["nickname"]),
		stringOf(node["name"]),
		stringOf(node["nickname"]),
		fallback.SenderName,
	)
	id := firstNonEmpty(
		stringOf(sender["user_id"]),
		stringOf(node["user_id"]),
		stringOf(node["uin"]),
		fallback.SenderID,
	)
	return normalizeAttribution(Attribution{
		SenderName: name,
		SenderID:   id,
		Time:       FormatMessageTime(node["time"], fallback.Time, e.Location),
	})
}
