package node

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"gridkv/internal/membership"
	"gridkv/internal/quorum"
)

// Wire messages are structpb.Struct values. Byte values travel as
// standard base64 strings.

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}

func stringField(s *structpb.Struct, key string) string {
	return field(s, key).GetStringValue()
}

func durationField(s *structpb.Struct, key string) time.Duration {
	return time.Duration(field(s, key).GetNumberValue()) * time.Millisecond
}

func bytesValue(b []byte) *structpb.Value {
	if b == nil {
		return structpb.NewNullValue()
	}
	return structpb.NewStringValue(base64.StdEncoding.EncodeToString(b))
}

// bytesField decodes a base64 field. A missing or null field is nil.
func bytesField(s *structpb.Struct, key string) ([]byte, error) {
	v := field(s, key)
	if v == nil {
		return nil, nil
	}
	if _, ok := v.GetKind().(*structpb.Value_NullValue); ok {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", key, err)
	}
	return b, nil
}

func attributesValue(attrs map[string]string) *structpb.Value {
	fields := make(map[string]*structpb.Value, len(attrs))
	for k, v := range attrs {
		fields[k] = structpb.NewStringValue(v)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func attributesField(s *structpb.Struct, key string) map[string]string {
	fields := field(s, key).GetStructValue().GetFields()
	if len(fields) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(fields))
	for k, v := range fields {
		attrs[k] = v.GetStringValue()
	}
	return attrs
}

func memberValue(m membership.Member) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":         structpb.NewStringValue(m.ID),
		"addr":       structpb.NewStringValue(m.Addr),
		"attributes": attributesValue(m.Attributes),
	}})
}

func memberFromStruct(s *structpb.Struct) membership.Member {
	return membership.Member{
		ID:         stringField(s, "id"),
		Addr:       stringField(s, "addr"),
		Attributes: attributesField(s, "attributes"),
	}
}

func membersValue(members membership.Snapshot) *structpb.Value {
	values := make([]*structpb.Value, 0, members.Len())
	for i := 0; i < members.Len(); i++ {
		values = append(values, memberValue(members.At(i)))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func membersField(s *structpb.Struct, key string) []membership.Member {
	values := field(s, key).GetListValue().GetValues()
	members := make([]membership.Member, 0, len(values))
	for _, v := range values {
		members = append(members, memberFromStruct(v.GetStructValue()))
	}
	return members
}

func peerValue(p *membership.Peer) *structpb.Value {
	v := memberValue(p.Member)
	fields := v.GetStructValue().Fields
	fields["status"] = structpb.NewStringValue(p.Status.String())
	fields["incarnation"] = structpb.NewNumberValue(float64(p.Incarnation))
	fields["last_seen_ms"] = structpb.NewNumberValue(float64(p.LastSeen.UnixMilli()))
	return v
}

func peersValue(peers []*membership.Peer) *structpb.Value {
	values := make([]*structpb.Value, 0, len(peers))
	for _, p := range peers {
		values = append(values, peerValue(p))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func peersField(s *structpb.Struct, key string) ([]*membership.Peer, error) {
	values := field(s, key).GetListValue().GetValues()
	peers := make([]*membership.Peer, 0, len(values))
	for _, v := range values {
		ps := v.GetStructValue()
		m := memberFromStruct(ps)
		if m.ID == "" {
			return nil, fmt.Errorf("peer without id")
		}
		peers = append(peers, &membership.Peer{
			Member:      m,
			Status:      membership.ParseStatus(stringField(ps, "status")),
			Incarnation: uint64(field(ps, "incarnation").GetNumberValue()),
			LastSeen:    time.UnixMilli(int64(field(ps, "last_seen_ms").GetNumberValue())),
		})
	}
	return peers, nil
}

// QuorumStatus is the client-side view of one quorum.
type QuorumStatus struct {
	Name        string
	Enabled     bool
	Type        string
	Description string
	Present     bool
	Members     []string
	EvaluatedAt time.Time
}

func quorumValue(q *quorum.Quorum) *structpb.Value {
	st := q.State()
	ids := st.Members.IDs()
	sort.Strings(ids)
	members := make([]*structpb.Value, 0, len(ids))
	for _, id := range ids {
		members = append(members, structpb.NewStringValue(id))
	}
	evaluatedAt := 0.0
	if !st.EvaluatedAt.IsZero() {
		evaluatedAt = float64(st.EvaluatedAt.UnixMilli())
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"name":            structpb.NewStringValue(q.Name()),
		"enabled":         structpb.NewBoolValue(q.Enabled()),
		"type":            structpb.NewStringValue(q.Type().String()),
		"description":     structpb.NewStringValue(q.Description()),
		"present":         structpb.NewBoolValue(st.Present),
		"members":         structpb.NewListValue(&structpb.ListValue{Values: members}),
		"evaluated_at_ms": structpb.NewNumberValue(evaluatedAt),
	}})
}

func quorumStatusFromStruct(s *structpb.Struct) QuorumStatus {
	qs := QuorumStatus{
		Name:        stringField(s, "name"),
		Enabled:     field(s, "enabled").GetBoolValue(),
		Type:        stringField(s, "type"),
		Description: stringField(s, "description"),
		Present:     field(s, "present").GetBoolValue(),
	}
	for _, v := range field(s, "members").GetListValue().GetValues() {
		qs.Members = append(qs.Members, v.GetStringValue())
	}
	if ms := field(s, "evaluated_at_ms").GetNumberValue(); ms > 0 {
		qs.EvaluatedAt = time.UnixMilli(int64(ms))
	}
	return qs
}
