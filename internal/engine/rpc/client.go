package rpc

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/proto"
)

func unixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Client is a typed engine client. Errors keep their pkg/errors kind, so
// errors.Is(err, errors.ErrCollaboratorUnavailable) works across the wire.
type Client struct {
	conn *grpc.Client
}

func Dial(addr string) (*Client, error) {
	conn, err := grpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) CheckAndAdmit(ctx context.Context, req proto.AdmitRequest) (proto.AdmitResponse, error) {
	var out proto.AdmitResponse
	err := c.conn.CallContext(ctx, MethodCheckAndAdmit, req, &out)
	return out, err
}

func (c *Client) Remove(ctx context.Context, id int64) (proto.Entry, error) {
	var out proto.Entry
	err := c.conn.CallContext(ctx, MethodRemove, proto.RemoveRequest{ID: id}, &out)
	return out, err
}

func (c *Client) FuzzySearch(ctx context.Context, req proto.FuzzySearchRequest) (proto.FuzzySearchResponse, error) {
	var out proto.FuzzySearchResponse
	err := c.conn.CallContext(ctx, MethodFuzzySearch, req, &out)
	return out, err
}

func (c *Client) BatchSearch(ctx context.Context, req proto.BatchSearchRequest) (proto.BatchSearchResponse, error) {
	var out proto.BatchSearchResponse
	err := c.conn.CallContext(ctx, MethodBatchSearch, req, &out)
	return out, err
}

func (c *Client) HistoryLookup(ctx context.Context, req proto.HistoryLookupRequest) (proto.HistoryLookupResponse, error) {
	var out proto.HistoryLookupResponse
	err := c.conn.CallContext(ctx, MethodHistoryLookup, req, &out)
	return out, err
}

func (c *Client) ObserveTransaction(ctx context.Context, tx proto.Transaction) error {
	return c.conn.CallContext(ctx, MethodObserve, tx, nil)
}

func (c *Client) Rebuild(ctx context.Context) (proto.RebuildResponse, error) {
	var out proto.RebuildResponse
	err := c.conn.CallContext(ctx, MethodRebuild, struct{}{}, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (proto.StatsResponse, error) {
	var out proto.StatsResponse
	err := c.conn.CallContext(ctx, MethodStats, struct{}{}, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (proto.HealthCheckResponse, error) {
	var out proto.HealthCheckResponse
	err := c.conn.CallContext(ctx, MethodHealth, struct{}{}, &out)
	return out, err
}
