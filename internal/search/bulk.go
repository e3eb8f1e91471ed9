package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ItemError is a single rejected action inside an otherwise successful bulk
// call.
type ItemError struct {
	Action string
	Key    string
	Status int
	Type   string
	Reason string
}

type BulkResult struct {
	Indexed  int
	Deleted  int
	NotFound int // deletes of absent documents, counted as success
	Failed   []ItemError
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemOutcome `json:"items"`
}

type bulkItemOutcome struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Result string `json:"result"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Bulk sends ops to the products index in a single call. A returned error
// means the call as a whole failed; per-item rejections are reported in
// BulkResult.Failed.
func (c *Client) Bulk(ctx context.Context, ops []BulkOperation) (BulkResult, error) {
	var result BulkResult
	if len(ops) == 0 {
		return result, nil
	}
	body, err := encodeBulk(c.products, ops)
	if err != nil {
		return result, err
	}
	res, err := c.es.Bulk(bytes.NewReader(body), c.es.Bulk.WithContext(ctx), c.es.Bulk.WithIndex(c.products))
	if err != nil {
		return result, fmt.Errorf("%w: bulk: %v", ErrTransport, err)
	}
	var br bulkResponse
	if err := decodeResponse(res, &br); err != nil {
		if errors.Is(err, ErrTransport) {
			return result, fmt.Errorf("bulk: %w", err)
		}
		return result, fmt.Errorf("%w: bulk: %w", ErrTransport, err)
	}
	for _, item := range br.Items {
		for action, out := range item {
			switch {
			case action == "delete" && out.Status == http.StatusNotFound:
				result.NotFound++
			case out.Status >= 200 && out.Status < 300:
				if action == "delete" {
					result.Deleted++
				} else {
					result.Indexed++
				}
			default:
				ie := ItemError{Action: action, Key: out.ID, Status: out.Status}
				if out.Error != nil {
					ie.Type, ie.Reason = out.Error.Type, out.Error.Reason
				}
				result.Failed = append(result.Failed, ie)
			}
		}
	}
	return result, nil
}

// encodeBulk renders the NDJSON body: an action line per op, followed by the
// document for index actions.
func encodeBulk(index string, ops []BulkOperation) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{"_index": index, "_id": op.Key}
		switch op.Kind {
		case OpUpsert:
			if op.Doc == nil {
				return nil, fmt.Errorf("index action for %s without document", op.Key)
			}
			if err := enc.Encode(map[string]any{"index": meta}); err != nil {
				return nil, err
			}
			if err := enc.Encode(op.Doc); err != nil {
				return nil, err
			}
		case OpDelete:
			if err := enc.Encode(map[string]any{"delete": meta}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown bulk action %d for %s", op.Kind, op.Key)
		}
	}
	return buf.Bytes(), nil
}
