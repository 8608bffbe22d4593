package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"gridkv/internal/membership"
)

// ClientManager manages gRPC clients to peer nodes.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*Client),
	}
}

// Get returns a client for the given node address.
// Creates a new connection if one doesn't exist.
func (cm *ClientManager) Get(addr string) (*Client, error) {
	cm.mu.RLock()
	client, exists := cm.clients[addr]
	cm.mu.RUnlock()

	if exists {
		return client, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cm.clients[addr]; exists {
		return client, nil
	}

	client, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	cm.clients[addr] = client
	return client, nil
}

// Close closes all client connections.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var errs error
	for addr, client := range cm.clients {
		if err := client.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	cm.clients = make(map[string]*Client)
	return errs
}

// Client is a typed client for the gridkv services of one node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, service, method string, in, out interface{}) error {
	return c.conn.Invoke(ctx, "/"+service+"/"+method, in, out)
}

func mapRequest(name, key string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"map": structpb.NewStringValue(name),
		"key": structpb.NewStringValue(key),
	}}
}

func previousFrom(resp *structpb.Struct) ([]byte, bool, error) {
	if !field(resp, "found").GetBoolValue() {
		return nil, false, nil
	}
	prev, err := bytesField(resp, "previous")
	return prev, true, err
}

// Put stores value under key in the named map. A positive ttl overrides the
// map's default. It returns the previous value, if any.
func (c *Client) Put(ctx context.Context, mapName, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	req := mapRequest(mapName, key)
	req.Fields["value"] = bytesValue(value)
	if ttl > 0 {
		req.Fields["ttl_ms"] = structpb.NewNumberValue(float64(ttl.Milliseconds()))
	}
	resp := new(structpb.Struct)
	if err := c.call(ctx, mapService, "Put", req, resp); err != nil {
		return nil, false, err
	}
	return previousFrom(resp)
}

// Get reads key from the named map.
func (c *Client) Get(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	resp := new(structpb.Struct)
	if err := c.call(ctx, mapService, "Get", mapRequest(mapName, key), resp); err != nil {
		return nil, false, err
	}
	if !field(resp, "found").GetBoolValue() {
		return nil, false, nil
	}
	value, err := bytesField(resp, "value")
	return value, true, err
}

// Delete removes key from the named map and returns the removed value.
func (c *Client) Delete(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	resp := new(structpb.Struct)
	if err := c.call(ctx, mapService, "Delete", mapRequest(mapName, key), resp); err != nil {
		return nil, false, err
	}
	return previousFrom(resp)
}

// ContainsKey reports whether key is present in the named map.
func (c *Client) ContainsKey(ctx context.Context, mapName, key string) (bool, error) {
	resp := new(wrapperspb.BoolValue)
	if err := c.call(ctx, mapService, "ContainsKey", mapRequest(mapName, key), resp); err != nil {
		return false, err
	}
	return resp.GetValue(), nil
}

// Size returns the number of entries in the named map.
func (c *Client) Size(ctx context.Context, mapName string) (int64, error) {
	resp := new(wrapperspb.Int64Value)
	if err := c.call(ctx, mapService, "Size", mapRequest(mapName, ""), resp); err != nil {
		return 0, err
	}
	return resp.GetValue(), nil
}

// Keys lists the live keys of the named map in sorted order, together with
// the map's write counter at the time of the listing.
func (c *Client) Keys(ctx context.Context, mapName string) ([]string, uint64, error) {
	resp := new(structpb.Struct)
	if err := c.call(ctx, mapService, "Keys", mapRequest(mapName, ""), resp); err != nil {
		return nil, 0, err
	}
	values := field(resp, "keys").GetListValue().GetValues()
	keys := make([]string, 0, len(values))
	for _, v := range values {
		keys = append(keys, v.GetStringValue())
	}
	return keys, uint64(field(resp, "version").GetNumberValue()), nil
}

// Clear removes every entry from the named map.
func (c *Client) Clear(ctx context.Context, mapName string) error {
	return c.call(ctx, mapService, "Clear", mapRequest(mapName, ""), new(structpb.Struct))
}

// Quorums lists the quorums of the node.
func (c *Client) Quorums(ctx context.Context) ([]QuorumStatus, error) {
	resp := new(structpb.Struct)
	if err := c.call(ctx, quorumService, "List", new(structpb.Struct), resp); err != nil {
		return nil, err
	}
	values := field(resp, "quorums").GetListValue().GetValues()
	out := make([]QuorumStatus, 0, len(values))
	for _, v := range values {
		out = append(out, quorumStatusFromStruct(v.GetStructValue()))
	}
	return out, nil
}

// Quorum returns the state of one quorum.
func (c *Client) Quorum(ctx context.Context, name string) (QuorumStatus, error) {
	resp := new(structpb.Struct)
	if err := c.call(ctx, quorumService, "Get", wrapperspb.String(name), resp); err != nil {
		return QuorumStatus{}, err
	}
	return quorumStatusFromStruct(resp), nil
}

// Ping checks that the node at the other end is reachable.
func (c *Client) Ping(ctx context.Context, from string) error {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"from": structpb.NewStringValue(from),
	}}
	return c.call(ctx, membershipService, "Ping", req, new(structpb.Struct))
}

// Gossip pushes peers to the remote node and returns its peer table.
func (c *Client) Gossip(ctx context.Context, from string, peers []*membership.Peer) ([]*membership.Peer, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"from":  structpb.NewStringValue(from),
		"peers": peersValue(peers),
	}}
	resp := new(structpb.Struct)
	if err := c.call(ctx, membershipService, "Gossip", req, resp); err != nil {
		return nil, err
	}
	return peersField(resp, "peers")
}

// Members returns the remote node's view of the membership.
func (c *Client) Members(ctx context.Context) ([]membership.Member, error) {
	resp := new(structpb.Struct)
	if err := c.call(ctx, membershipService, "Members", new(structpb.Struct), resp); err != nil {
		return nil, err
	}
	return membersField(resp, "members"), nil
}
