package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/locstore/ldm/internal/types"
)

// Client calls an LDM server over HTTP. The zero timeout on the embedded
// http.Client is deliberate: /events is a long-lived stream, and /rpc
// callers bound calls with a context.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the server at baseURL authenticating with
// token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

// Call posts one operation. The server's error kind is reconstructed into
// a kinded error so callers branch on classification, not message text.
func (c *Client) Call(ctx context.Context, operation string, args interface{}) (json.RawMessage, error) {
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, types.Wrap(types.KindInvalidArgument, err, "encoding args for %s", operation)
		}
		rawArgs = b
	}
	body, err := json.Marshal(&Request{Operation: operation, Args: rawArgs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, types.Wrap(types.KindTransient, err, "calling %s", operation)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, types.Wrap(types.KindInternal, err, "decoding %s response", operation)
	}
	if !resp.Success {
		kind := resp.ErrorKind
		if kind == "" {
			kind = types.KindInternal
		}
		return nil, types.E(kind, "%s", resp.Error)
	}
	return resp.Data, nil
}

// CallInto is Call plus decoding of the data payload.
func (c *Client) CallInto(ctx context.Context, operation string, args, into interface{}) error {
	data, err := c.Call(ctx, operation, args)
	if err != nil {
		return err
	}
	if into == nil {
		return nil
	}
	return json.Unmarshal(data, into)
}

// Health probes the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return types.Wrap(types.KindTransient, err, "health probe")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return types.E(types.KindTransient, "health probe returned %d", resp.StatusCode)
	}
	return nil
}

// Events opens the progress stream and sends decoded updates on the
// returned channel until ctx is cancelled or the stream closes. Pass
// sinceSeq below zero to skip replay; replay needs exactly one op id.
func (c *Client) Events(ctx context.Context, opIDs []string, sinceSeq int64) (<-chan types.ProgressUpdate, error) {
	q := url.Values{}
	q.Set("token", c.token)
	if len(opIDs) > 0 {
		q.Set("ops", strings.Join(opIDs, ","))
	}
	if sinceSeq >= 0 {
		q.Set("since_seq", strconv.FormatInt(sinceSeq, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.Wrap(types.KindTransient, err, "opening event stream")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		var envelope Response
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Error != "" {
			return nil, types.E(envelope.ErrorKind, "%s", envelope.Error)
		}
		return nil, types.E(types.KindTransient, "event stream returned %d", resp.StatusCode)
	}

	ch := make(chan types.ProgressUpdate, 64)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var u types.ProgressUpdate
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &u); err != nil {
				continue
			}
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// WaitOp polls until the operation reaches a terminal state.
func (c *Client) WaitOp(ctx context.Context, opID string, poll time.Duration) (*types.Operation, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		var op types.Operation
		if err := c.CallInto(ctx, OpOpsGet, &OpArgs{OpID: opID}, &op); err != nil {
			return nil, err
		}
		if op.State.Terminal() {
			return &op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
