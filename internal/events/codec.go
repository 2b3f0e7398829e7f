package events

import (
	"errors"
	"fmt"

	"github.com/org/piiguard/pkg/models"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers of an event frame.
const (
	fieldKind   protowire.Number = 1
	fieldLocked protowire.Number = 2
	fieldAtMs   protowire.Number = 3
)

// MarshalEvent encodes ev as a protobuf wire-format frame.
func MarshalEvent(ev models.Event) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Kind))
	if ev.Locked {
		b = protowire.AppendTag(b, fieldLocked, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = protowire.AppendTag(b, fieldAtMs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.AtMs))
	return b
}

// UnmarshalEvent decodes a frame produced by MarshalEvent. Unknown fields are skipped.
func UnmarshalEvent(b []byte) (models.Event, error) {
	var ev models.Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ev, fmt.Errorf("events: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && (num == fieldKind || num == fieldLocked || num == fieldAtMs) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ev, fmt.Errorf("events: bad varint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				ev.Kind = models.EventKind(v)
			case fieldLocked:
				ev.Locked = protowire.DecodeBool(v)
			case fieldAtMs:
				ev.AtMs = int64(v)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return ev, fmt.Errorf("events: bad field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if ev.Kind != models.EventLockStateChanged && ev.Kind != models.EventDetectionIndexChanged {
		return ev, errors.New("events: unknown event kind")
	}
	return ev, nil
}
