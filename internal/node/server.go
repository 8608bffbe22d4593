package node

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"gridkv/internal/quorum"
)

const (
	mapService        = "gridkv.Map"
	quorumService     = "gridkv.Quorum"
	membershipService = "gridkv.Membership"
)

// MapServer is the server API for the gridkv.Map service.
type MapServer interface {
	Put(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ContainsKey(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	Size(context.Context, *structpb.Struct) (*wrapperspb.Int64Value, error)
	Keys(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Clear(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// QuorumServer is the server API for the gridkv.Quorum service.
type QuorumServer interface {
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// MembershipServer is the server API for the gridkv.Membership service.
type MembershipServer interface {
	Ping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Gossip(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Members(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func newStruct() *structpb.Struct            { return new(structpb.Struct) }
func newStringValue() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

// unaryMethod describes one unary RPC the way generated code does.
func unaryMethod[S, In, Out any](service, method string, newIn func() In, call func(S, context.Context, In) (Out, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newIn()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				out, err := call(srv.(S), ctx, in)
				return out, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				out, err := call(srv.(S), ctx, req.(In))
				return out, err
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var mapServiceDesc = grpc.ServiceDesc{
	ServiceName: mapService,
	HandlerType: (*MapServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(mapService, "Put", newStruct, MapServer.Put),
		unaryMethod(mapService, "Get", newStruct, MapServer.Get),
		unaryMethod(mapService, "Delete", newStruct, MapServer.Delete),
		unaryMethod(mapService, "ContainsKey", newStruct, MapServer.ContainsKey),
		unaryMethod(mapService, "Size", newStruct, MapServer.Size),
		unaryMethod(mapService, "Keys", newStruct, MapServer.Keys),
		unaryMethod(mapService, "Clear", newStruct, MapServer.Clear),
	},
	Streams: []grpc.StreamDesc{},
}

var quorumServiceDesc = grpc.ServiceDesc{
	ServiceName: quorumService,
	HandlerType: (*QuorumServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(quorumService, "List", newStruct, QuorumServer.List),
		unaryMethod(quorumService, "Get", newStringValue, QuorumServer.Get),
	},
	Streams: []grpc.StreamDesc{},
}

var membershipServiceDesc = grpc.ServiceDesc{
	ServiceName: membershipService,
	HandlerType: (*MembershipServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(membershipService, "Ping", newStruct, MembershipServer.Ping),
		unaryMethod(membershipService, "Gossip", newStruct, MembershipServer.Gossip),
		unaryMethod(membershipService, "Members", newStruct, MembershipServer.Members),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterMapServer registers srv as the gridkv.Map service.
func RegisterMapServer(s grpc.ServiceRegistrar, srv MapServer) {
	s.RegisterService(&mapServiceDesc, srv)
}

// RegisterQuorumServer registers srv as the gridkv.Quorum service.
func RegisterQuorumServer(s grpc.ServiceRegistrar, srv QuorumServer) {
	s.RegisterService(&quorumServiceDesc, srv)
}

// RegisterMembershipServer registers srv as the gridkv.Membership service.
func RegisterMembershipServer(s grpc.ServiceRegistrar, srv MembershipServer) {
	s.RegisterService(&membershipServiceDesc, srv)
}

// toStatus maps instance errors onto gRPC status codes. A missing quorum is
// Unavailable so callers can retry once the cluster recovers.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, quorum.ErrQuorumNotPresent):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, quorum.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, quorum.ErrConfig):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// mapServer implements MapServer on top of an Instance.
type mapServer struct {
	node *Instance
}

// target resolves the map and key named by a request.
func (s *mapServer) target(req *structpb.Struct, method string) (*Map, string, error) {
	name := stringField(req, "map")
	key := stringField(req, "key")
	s.node.logger.Debug("map request",
		zap.String("method", method), zap.String("map", name), zap.String("key", key))

	if name == "" {
		return nil, "", status.Error(codes.InvalidArgument, "map cannot be empty")
	}
	return s.node.GetMap(name), key, nil
}

func (s *mapServer) keyed(req *structpb.Struct, method string) (*Map, string, error) {
	m, key, err := s.target(req, method)
	if err != nil {
		return nil, "", err
	}
	if key == "" {
		return nil, "", status.Error(codes.InvalidArgument, "key cannot be empty")
	}
	return m, key, nil
}

func (s *mapServer) Put(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, key, err := s.keyed(req, "Put")
	if err != nil {
		return nil, err
	}
	value, err := bytesField(req, "value")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(value) == 0 {
		return nil, status.Error(codes.InvalidArgument, "value cannot be empty")
	}

	var prev []byte
	if ttl := durationField(req, "ttl_ms"); ttl > 0 {
		prev, err = m.PutTTL(key, value, ttl)
	} else {
		prev, err = m.Put(key, value)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return previousResponse(prev), nil
}

func (s *mapServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, key, err := s.keyed(req, "Get")
	if err != nil {
		return nil, err
	}
	value, found, err := m.Get(key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"found": structpb.NewBoolValue(found),
		"value": bytesValue(value),
	}}, nil
}

func (s *mapServer) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, key, err := s.keyed(req, "Delete")
	if err != nil {
		return nil, err
	}
	prev, err := m.Delete(key)
	if err != nil {
		return nil, toStatus(err)
	}
	return previousResponse(prev), nil
}

func (s *mapServer) ContainsKey(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	m, key, err := s.keyed(req, "ContainsKey")
	if err != nil {
		return nil, err
	}
	found, err := m.ContainsKey(key)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(found), nil
}

func (s *mapServer) Size(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int64Value, error) {
	m, _, err := s.target(req, "Size")
	if err != nil {
		return nil, err
	}
	n, err := m.Size()
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(n)), nil
}

func (s *mapServer) Keys(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, _, err := s.target(req, "Keys")
	if err != nil {
		return nil, err
	}
	keys, err := m.Keys()
	if err != nil {
		return nil, toStatus(err)
	}
	values := make([]*structpb.Value, 0, len(keys))
	for _, k := range keys {
		values = append(values, structpb.NewStringValue(k))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"keys":    structpb.NewListValue(&structpb.ListValue{Values: values}),
		"version": structpb.NewNumberValue(float64(m.Version())),
	}}, nil
}

func (s *mapServer) Clear(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, _, err := s.target(req, "Clear")
	if err != nil {
		return nil, err
	}
	if err := m.Clear(); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func previousResponse(prev []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"found":    structpb.NewBoolValue(prev != nil),
		"previous": bytesValue(prev),
	}}
}

// quorumServer implements QuorumServer.
type quorumServer struct {
	node *Instance
}

func (s *quorumServer) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	names := s.node.quorums.Names()
	sort.Strings(names)
	values := make([]*structpb.Value, 0, len(names))
	for _, name := range names {
		q, err := s.node.Quorum(name)
		if err != nil {
			return nil, toStatus(err)
		}
		values = append(values, quorumValue(q))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"quorums": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}, nil
}

func (s *quorumServer) Get(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "quorum name cannot be empty")
	}
	q, err := s.node.Quorum(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return quorumValue(q).GetStructValue(), nil
}

// membershipServer implements MembershipServer.
type membershipServer struct {
	node *Instance
}

// Ping handles ping requests for failure detection.
func (s *membershipServer) Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	from := stringField(req, "from")
	if g := s.node.gossip; g != nil && from != "" {
		g.MarkAlive(from)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id": structpb.NewStringValue(s.node.nodeID),
	}}, nil
}

// Gossip merges the sender's peer table and answers with the local one.
func (s *membershipServer) Gossip(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	g := s.node.gossip
	if g == nil {
		return nil, status.Error(codes.FailedPrecondition, "node does not run gossip membership")
	}
	peers, err := peersField(req, "peers")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	g.Merge(peers)
	if from := stringField(req, "from"); from != "" {
		g.MarkAlive(from)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"peers": peersValue(g.Table()),
	}}, nil
}

// Members returns the current membership snapshot.
func (s *membershipServer) Members(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"members": membersValue(s.node.Members()),
	}}, nil
}
