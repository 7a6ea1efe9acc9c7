package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/plenumd/plenum/internal/model"
)

// HTTPClient speaks to the external datastore service over its reader and
// writer endpoints. Transport-level failures are retried with backoff; a
// STALE response is never retried here (the action pipeline owns that).
type HTTPClient struct {
	readerURL string
	writerURL string
	client    *retryablehttp.Client
}

var _ Datastore = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the given reader and writer base URLs.
// retryMax bounds transport retries per call.
func NewHTTPClient(readerURL, writerURL string, retryMax int) *HTTPClient {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.Logger = nil // the caller logs at the request level
	return &HTTPClient{
		readerURL: readerURL,
		writerURL: writerURL,
		client:    client,
	}
}

// errorBody is the JSON error envelope of the datastore service.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		FQID    string `json:"fqid"`
		Message string `json:"message"`
	} `json:"error"`
}

// post sends a JSON body and decodes the JSON response into out.
func (c *HTTPClient) post(ctx context.Context, url string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return NewTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewTransport(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// decodeError maps a non-200 response to a typed datastore error.
func decodeError(status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	switch {
	case status == http.StatusConflict:
		msg := body.Error.Message
		if msg == "" {
			msg = "locked fingerprints changed"
		}
		return NewStale(msg)
	case body.Error.Code == string(ErrCodeNotFound):
		return NewNotFound(body.Error.FQID)
	case body.Error.Code == string(ErrCodeDeleted):
		return NewDeleted(body.Error.FQID)
	default:
		return &Error{
			Code:    ErrCodeTransport,
			FQID:    body.Error.FQID,
			Message: fmt.Sprintf("datastore returned %d: %s", status, body.Error.Message),
		}
	}
}

// Get implements Datastore.
func (c *HTTPClient) Get(ctx context.Context, fqid string, fields []string) (model.Object, error) {
	reqBody := map[string]any{"fqid": fqid}
	if fields != nil {
		reqBody["mapped_fields"] = fields
	}
	var raw json.RawMessage
	if err := c.post(ctx, c.readerURL+"/get", reqBody, &raw); err != nil {
		return nil, err
	}
	obj, err := model.DecodeObject(raw)
	if err != nil {
		return nil, NewTransport(fmt.Errorf("decode instance: %w", err))
	}
	return obj, nil
}

// GetMany implements Datastore.
func (c *HTTPClient) GetMany(ctx context.Context, reqs []GetManyRequest) (map[string]map[int]model.Object, error) {
	var raw map[string]map[string]json.RawMessage
	if err := c.post(ctx, c.readerURL+"/get_many", map[string]any{"requests": reqs}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]map[int]model.Object, len(raw))
	for collectionName, instances := range raw {
		out[collectionName] = make(map[int]model.Object, len(instances))
		for idStr, data := range instances {
			var id int
			if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
				return nil, NewTransport(fmt.Errorf("bad id key %q: %w", idStr, err))
			}
			obj, err := model.DecodeObject(data)
			if err != nil {
				return nil, NewTransport(fmt.Errorf("decode %s/%s: %w", collectionName, idStr, err))
			}
			out[collectionName][id] = obj
		}
	}
	return out, nil
}

// Filter implements Datastore.
func (c *HTTPClient) Filter(ctx context.Context, collectionName string, filter Filter, fields []string) (map[int]model.Object, error) {
	reqBody := map[string]any{"collection": collectionName}
	if filter != nil {
		reqBody["filter"] = filter
	}
	if fields != nil {
		reqBody["mapped_fields"] = fields
	}
	var raw map[string]json.RawMessage
	if err := c.post(ctx, c.readerURL+"/filter", reqBody, &raw); err != nil {
		return nil, err
	}
	out := make(map[int]model.Object, len(raw))
	for idStr, data := range raw {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			return nil, NewTransport(fmt.Errorf("bad id key %q: %w", idStr, err))
		}
		obj, err := model.DecodeObject(data)
		if err != nil {
			return nil, NewTransport(fmt.Errorf("decode %s/%s: %w", collectionName, idStr, err))
		}
		out[id] = obj
	}
	return out, nil
}

// ReserveIDs implements Datastore.
func (c *HTTPClient) ReserveIDs(ctx context.Context, collectionName string, count int) ([]int, error) {
	var resp struct {
		IDs []int `json:"ids"`
	}
	err := c.post(ctx, c.writerURL+"/reserve_ids",
		map[string]any{"collection": collectionName, "amount": count}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.IDs) != count {
		return nil, NewTransport(fmt.Errorf("reserved %d ids, wanted %d", len(resp.IDs), count))
	}
	return resp.IDs, nil
}

// CurrentPosition implements Datastore.
func (c *HTTPClient) CurrentPosition(ctx context.Context) (int64, error) {
	var resp struct {
		Position int64 `json:"position"`
	}
	if err := c.post(ctx, c.readerURL+"/max_position", map[string]any{}, &resp); err != nil {
		return 0, err
	}
	return resp.Position, nil
}

// Write implements Datastore.
func (c *HTTPClient) Write(ctx context.Context, req WriteRequest) error {
	return c.post(ctx, c.writerURL+"/write", req, nil)
}
