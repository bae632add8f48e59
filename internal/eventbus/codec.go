package eventbus

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

const channelPrefix = "qmt:event:"

// Channel returns the pub/sub channel name carrying kind.
func Channel(kind Kind) string {
	return channelPrefix + string(kind)
}

type envelopeMeta struct {
	Kind      Kind   `json:"_kind"`
	UnixNanos int64  `json:"_unixNanos"`
	WallClock string `json:"_wallClock"`
	Origin    string `json:"_origin"`
}

// Encode renders evt as a flat JSON object: the payload fields plus the underscored
// envelope fields. _origin is written only when set.
func Encode(evt Event) ([]byte, error) {
	if evt.Kind == "" {
		return nil, fmt.Errorf("encode event: kind required")
	}
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.Kind, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s payload: not a JSON object", evt.Kind)
	}

	wall, err := json.Marshal(evt.WallClock)
	if err != nil {
		return nil, fmt.Errorf("encode wall clock: %w", err)
	}
	kind, err := json.Marshal(string(evt.Kind))
	if err != nil {
		return nil, fmt.Errorf("encode kind: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 96)
	buf.WriteString(`{"_kind":`)
	buf.Write(kind)
	buf.WriteString(`,"_unixNanos":`)
	buf.WriteString(strconv.FormatInt(evt.UnixNanos, 10))
	buf.WriteString(`,"_wallClock":`)
	buf.Write(wall)
	if evt.Origin != "" {
		origin, err := json.Marshal(evt.Origin)
		if err != nil {
			return nil, fmt.Errorf("encode origin: %w", err)
		}
		buf.WriteString(`,"_origin":`)
		buf.Write(origin)
	}
	rest := bytes.TrimSpace(body[1:])
	if len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(rest)
	return buf.Bytes(), nil
}

// Decode parses a message produced by Encode back into a typed Event.
func Decode(data []byte) (Event, error) {
	var meta envelopeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	payload := newPayload(meta.Kind)
	if payload == nil {
		return Event{}, fmt.Errorf("decode event: unknown kind %q", meta.Kind)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", meta.Kind, err)
	}
	return Event{
		Kind:      meta.Kind,
		UnixNanos: meta.UnixNanos,
		WallClock: meta.WallClock,
		Origin:    meta.Origin,
		Payload:   derefPayload(payload),
	}, nil
}
