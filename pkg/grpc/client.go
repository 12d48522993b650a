package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
)

// Client is a lightweight JSON-over-TCP RPC client.
type Client struct {
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	mu      sync.Mutex
	nextID  atomic.Int64
}

// Dial connects to an RPC server at the given address.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}, nil
}

// Call invokes the named RPC method without a deadline.
func (c *Client) Call(method string, params any, result any) error {
	return c.CallContext(context.Background(), method, params, result)
}

// CallContext invokes the named RPC method with params and decodes the
// response into result. The context deadline, if any, bounds the round
// trip. CallContext is safe for concurrent use.
func (c *Client) CallContext(ctx context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}

	req := Request{
		Method: method,
		ID:     strconv.FormatInt(c.nextID.Add(1), 10),
		Params: raw,
	}
	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response id %s does not match request id %s", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return remoteError(resp)
	}

	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("unmarshaling into result: %w", err)
		}
	}
	return nil
}

// remoteError rebuilds a sentinel-carrying error from the response code so
// callers can use errors.Is across the wire.
func remoteError(resp Response) error {
	sentinel := apperrors.ErrInternal
	switch resp.Code {
	case http.StatusBadRequest:
		sentinel = apperrors.ErrInvalidInput
	case http.StatusConflict:
		sentinel = apperrors.ErrDuplicate
	case http.StatusNotFound:
		sentinel = apperrors.ErrNotFound
	case http.StatusServiceUnavailable:
		sentinel = apperrors.ErrCollaboratorUnavailable
	}
	code := resp.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return apperrors.Newf(sentinel, code, "rpc error: %s", resp.Error)
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
