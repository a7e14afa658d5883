package feed

import (
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// Wire field names.
const (
	fieldID        = "id"
	fieldSequence  = "seq"
	fieldPartition = "pk"
	fieldEntity    = "entity"
	fieldEvent     = "event"
	fieldBefore    = "before"
	fieldAfter     = "after"
	fieldCommitted = "committed"
)

// Encode serialises a change event as a protobuf Struct. Images are carried
// as nested Structs; the sequence travels as a string to keep int64
// precision.
func Encode(evt domain.ChangeEvent) ([]byte, error) {
	after, err := imageToStruct(evt.After)
	if err != nil {
		return nil, fmt.Errorf("feed: encode after image: %w", err)
	}
	ts := timestamppb.New(evt.CommittedAt)

	fields := map[string]*structpb.Value{
		fieldID:        structpb.NewStringValue(evt.ID),
		fieldSequence:  structpb.NewStringValue(strconv.FormatInt(evt.Sequence, 10)),
		fieldPartition: structpb.NewStringValue(evt.PartitionKey),
		fieldEntity:    structpb.NewStringValue(string(evt.EntityKind)),
		fieldEvent:     structpb.NewStringValue(string(evt.EventKind)),
		fieldAfter:     structpb.NewStructValue(after),
		fieldCommitted: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"s": structpb.NewNumberValue(float64(ts.GetSeconds())),
			"n": structpb.NewNumberValue(float64(ts.GetNanos())),
		}}),
	}
	if len(evt.Before) > 0 {
		before, err := imageToStruct(evt.Before)
		if err != nil {
			return nil, fmt.Errorf("feed: encode before image: %w", err)
		}
		fields[fieldBefore] = structpb.NewStructValue(before)
	}

	b, err := proto.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("feed: marshal event %s: %w", evt.ID, err)
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (domain.ChangeEvent, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("feed: unmarshal event: %w", err)
	}
	f := s.GetFields()

	seq, err := strconv.ParseInt(f[fieldSequence].GetStringValue(), 10, 64)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("feed: decode sequence: %w", err)
	}
	evt := domain.ChangeEvent{
		ID:           f[fieldID].GetStringValue(),
		Sequence:     seq,
		PartitionKey: f[fieldPartition].GetStringValue(),
		EntityKind:   domain.EntityKind(f[fieldEntity].GetStringValue()),
		EventKind:    domain.EventKind(f[fieldEvent].GetStringValue()),
	}
	if evt.PartitionKey == "" || evt.EntityKind == "" || evt.EventKind == "" {
		return domain.ChangeEvent{}, fmt.Errorf("feed: decode event %q: missing header fields", evt.ID)
	}

	after := f[fieldAfter].GetStructValue()
	if after == nil {
		return domain.ChangeEvent{}, fmt.Errorf("feed: decode event %s: missing after image", evt.ID)
	}
	if evt.After, err = json.Marshal(after); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("feed: decode after image: %w", err)
	}
	if before := f[fieldBefore].GetStructValue(); before != nil {
		if evt.Before, err = json.Marshal(before); err != nil {
			return domain.ChangeEvent{}, fmt.Errorf("feed: decode before image: %w", err)
		}
	}
	if c := f[fieldCommitted].GetStructValue(); c != nil {
		ts := &timestamppb.Timestamp{
			Seconds: int64(c.GetFields()["s"].GetNumberValue()),
			Nanos:   int32(c.GetFields()["n"].GetNumberValue()),
		}
		evt.CommittedAt = ts.AsTime()
	}
	return evt, nil
}

func imageToStruct(raw json.RawMessage) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return s, nil
}
