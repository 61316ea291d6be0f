package output

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kejingjing/sensible/internal/fusion"
)

// ServiceName is the fully qualified gRPC service exposing the track stream.
const ServiceName = "sensible.TrackService"

// StreamTracksMethod is the full method name clients invoke.
const StreamTracksMethod = "/" + ServiceName + "/StreamTracks"

// TrackServiceServer is implemented by Publisher. Requests are empty; each
// response is one track update encoded as a google.protobuf.Struct.
type TrackServiceServer interface {
	StreamTracks(*emptypb.Empty, grpc.ServerStream) error
}

// TrackServiceDesc is registered by hand: the messages are well-known types,
// so there is no generated stub.
var TrackServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTracks",
			Handler:       streamTracksHandler,
			ServerStreams: true,
		},
	},
	Metadata: "sensible/track_service.proto",
}

func streamTracksHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TrackServiceServer).StreamTracks(in, stream)
}

// Encode converts a track update into the Struct carried on the wire. Field
// names follow the update's JSON tags.
func Encode(u fusion.TrackUpdate) (*structpb.Struct, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// Decode is the inverse of Encode.
func Decode(s *structpb.Struct) (fusion.TrackUpdate, error) {
	var u fusion.TrackUpdate
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("decode track update: %w", err)
	}
	return u, nil
}
