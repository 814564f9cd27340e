package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/twlk9/raftdb/raft"
)

// Client speaks the HTTP surface from the outside: it is the peer
// RPC transport the raft node plugs in, and the client API the CLI
// drives. One resty client with connection reuse serves both.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient builds a client. timeout caps each call end to end; the
// node additionally passes per-RPC context deadlines.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c, logger: logger}
}

func (c *Client) post(ctx context.Context, url string, req, resp any) error {
	r, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(resp).
		Post(url)
	if err != nil {
		return err
	}
	if r.IsError() {
		return fmt.Errorf("%s: %s", url, r.Status())
	}
	return nil
}

// RequestVote implements raft.Transport.
func (c *Client) RequestVote(ctx context.Context, peer raft.Address, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	var resp raft.RequestVoteResponse
	url := "http://" + peer.HostPort() + "/raft/request_vote"
	if err := c.post(ctx, url, req, &resp); err != nil {
		return nil, fmt.Errorf("request_vote %s: %w", peer, err)
	}
	return &resp, nil
}

// AppendEntries implements raft.Transport.
func (c *Client) AppendEntries(ctx context.Context, peer raft.Address, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	url := "http://" + peer.HostPort() + "/raft/append_entries"
	if err := c.post(ctx, url, req, &resp); err != nil {
		return nil, fmt.Errorf("append_entries %s: %w", peer, err)
	}
	return &resp, nil
}

// Put writes through whichever node addr names. A CodeNotLeader
// response carries the redirect target; following it is the
// caller's choice.
func (c *Client) Put(ctx context.Context, addr string, key, value []byte) (*PutResponse, error) {
	var resp PutResponse
	err := c.post(ctx, "http://"+addr+"/v1/put", &PutRequest{Key: key, Value: value}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes a key through the node at addr.
func (c *Client) Delete(ctx context.Context, addr string, key []byte) (*PutResponse, error) {
	var resp PutResponse
	err := c.post(ctx, "http://"+addr+"/v1/delete", &DeleteRequest{Key: key}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get reads a key from the node at addr. With readFromLeader a
// follower answers CodeNotLeader instead of a possibly stale value.
func (c *Client) Get(ctx context.Context, addr string, key []byte, readFromLeader bool) (*GetResponse, error) {
	var resp GetResponse
	err := c.post(ctx, "http://"+addr+"/v1/get", &GetRequest{Key: key, ReadFromLeader: readFromLeader}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches the node's role and engine counters.
func (c *Client) Stats(ctx context.Context, addr string) (*StatsResponse, error) {
	var resp StatsResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("http://" + addr + "/v1/stats")
	if err != nil {
		return nil, err
	}
	if r.IsError() {
		return nil, fmt.Errorf("stats %s: %s", addr, r.Status())
	}
	return &resp, nil
}
