package syncer

import (
	"errors"

	"github.com/yourorg/catalog-search/internal/cdc"
	"github.com/yourorg/catalog-search/internal/search"
)

// Message is one raw record handed out by a Source.
type Message struct {
	Value  []byte
	Offset cdc.Offset

	ref any // source-specific handle used to ack or mark the record
}

// Skip describes a message dropped because it could not be decoded.
type Skip struct {
	Offset cdc.Offset
	Err    error
}

// Batch is the translated form of one poll.
type Batch struct {
	Ops       []search.BulkOperation
	Skipped   []Skip
	Noops     int
	Coalesced int
	Offsets   []cdc.Offset
}

// Translate decodes msgs and folds them into bulk operations, one per
// document key. When a key repeats, the event with the higher offset on the
// same partition wins, otherwise the later one in the batch. Operations keep
// the order in which their key first appeared.
func Translate(msgs []Message) Batch {
	b := Batch{Offsets: make([]cdc.Offset, 0, len(msgs))}
	type slot struct {
		pos int
		off cdc.Offset
	}
	byKey := make(map[string]slot, len(msgs))

	for _, m := range msgs {
		b.Offsets = append(b.Offsets, m.Offset)
		evt, err := cdc.Decode(m.Value, m.Offset)
		switch {
		case errors.Is(err, cdc.ErrNoop):
			b.Noops++
			continue
		case err != nil:
			b.Skipped = append(b.Skipped, Skip{Offset: m.Offset, Err: err})
			continue
		}

		op := toOperation(evt)
		if s, ok := byKey[op.Key]; ok {
			b.Coalesced++
			if s.off.SamePartition(evt.Offset) && evt.Offset.Offset < s.off.Offset {
				continue
			}
			b.Ops[s.pos] = op
			byKey[op.Key] = slot{pos: s.pos, off: evt.Offset}
			continue
		}
		byKey[op.Key] = slot{pos: len(b.Ops), off: evt.Offset}
		b.Ops = append(b.Ops, op)
	}
	return b
}

func toOperation(evt cdc.ChangeEvent) search.BulkOperation {
	if evt.Op == cdc.OpDelete {
		return search.BulkOperation{Kind: search.OpDelete, Key: evt.Key()}
	}
	doc := search.FromRow(*evt.After)
	return search.BulkOperation{Kind: search.OpUpsert, Key: evt.Key(), Doc: &doc}
}
