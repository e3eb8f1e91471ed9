package cdc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yourorg/catalog-search/internal/canon"
)

var (
	// ErrMalformedPayload marks a message that cannot be turned into a change
	// event. Callers skip the message and keep processing the batch.
	ErrMalformedPayload = errors.New("malformed change payload")

	// ErrNoop marks heartbeats, tombstones and empty bodies.
	ErrNoop = errors.New("no-op change payload")
)

var null = []byte("null")

// Decode parses one message value. The body may be wrapped once under a
// "payload" key.
func Decode(raw []byte, off Offset) (ChangeEvent, error) {
	body, err := unwrap(raw)
	if err != nil {
		return ChangeEvent{}, err
	}

	var opCode string
	if rawOp, ok := body["op"]; ok && !isNull(rawOp) {
		if err := json.Unmarshal(rawOp, &opCode); err != nil {
			return ChangeEvent{}, fmt.Errorf("%w: op: %v", ErrMalformedPayload, err)
		}
	}
	if opCode == "" {
		return ChangeEvent{}, ErrNoop
	}
	op, err := ParseOperation(opCode)
	if err != nil {
		return ChangeEvent{}, err
	}

	evt := ChangeEvent{Op: op, Offset: off}
	if evt.Before, err = decodeImage(body["before"]); err != nil {
		return ChangeEvent{}, fmt.Errorf("before: %w", err)
	}
	if evt.After, err = decodeImage(body["after"]); err != nil {
		return ChangeEvent{}, fmt.Errorf("after: %w", err)
	}
	if evt.Image() == nil {
		side := "after"
		if op == OpDelete {
			side = "before"
		}
		return ChangeEvent{}, fmt.Errorf("%w: %s event without %s image", ErrMalformedPayload, op, side)
	}
	return evt, nil
}

func unwrap(raw []byte) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return nil, ErrNoop
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if inner, ok := body["payload"]; ok {
		if isNull(inner) {
			return nil, ErrNoop
		}
		body = nil
		if err := json.Unmarshal(inner, &body); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformedPayload, err)
		}
	}
	if len(body) == 0 {
		return nil, ErrNoop
	}
	return body, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), null)
}

// columns indexes a row by normalised column name so that isActive,
// isactive and is_active all resolve to the same field.
type columns map[string]json.RawMessage

func normColumn(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

func (c columns) get(names ...string) (json.RawMessage, bool) {
	for _, n := range names {
		if v, ok := c[normColumn(n)]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func decodeImage(raw json.RawMessage) (*RowImage, error) {
	if isNull(raw) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: row image: %v", ErrMalformedPayload, err)
	}
	cols := make(columns, len(fields))
	for k, v := range fields {
		cols[normColumn(k)] = v
	}

	rawID, ok := cols.get("id")
	if !ok {
		return nil, fmt.Errorf("%w: row image without id", ErrMalformedPayload)
	}
	id, err := toInt(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrMalformedPayload, err)
	}

	img := &RowImage{ID: id, IsActive: true}
	for _, f := range []struct {
		dst   *string
		names []string
	}{
		{&img.SKU, []string{"sku"}},
		{&img.Name, []string{"name"}},
		{&img.Description, []string{"description"}},
		{&img.Category, []string{"category"}},
	} {
		if v, ok := cols.get(f.names...); ok {
			if *f.dst, err = toString(v); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, f.names[0], err)
			}
		}
	}
	if v, ok := cols.get("tags"); ok {
		if img.Tags, err = toTags(v); err != nil {
			return nil, fmt.Errorf("%w: tags: %v", ErrMalformedPayload, err)
		}
	}
	if v, ok := cols.get("price"); ok {
		if img.Price, err = toFloat(v); err != nil {
			return nil, fmt.Errorf("%w: price: %v", ErrMalformedPayload, err)
		}
	}
	if v, ok := cols.get("stock", "inventory"); ok {
		if img.Stock, err = toInt(v); err != nil {
			return nil, fmt.Errorf("%w: stock: %v", ErrMalformedPayload, err)
		}
	}
	if v, ok := cols.get("isActive", "active"); ok {
		if img.IsActive, err = toBool(v); err != nil {
			return nil, fmt.Errorf("%w: isActive: %v", ErrMalformedPayload, err)
		}
	}
	return img, nil
}

func toString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string, got %s", raw)
	}
	return n.String(), nil
}

// toTags accepts the comma-joined string form or a JSON array of strings.
// Both come out in the same canonical form.
func toTags(raw json.RawMessage) (string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return canon.Tags(strings.Join(list, ",")), nil
	}
	s, err := toString(raw)
	if err != nil {
		return "", err
	}
	return canon.Tags(s), nil
}

func toFloat(raw json.RawMessage) (float64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Float64()
	}
	s, err := toString(raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func toInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	f, err := toFloat(raw)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected integer, got %s", raw)
	}
	return int64(f), nil
}

func toBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	s, err := toString(raw)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}
