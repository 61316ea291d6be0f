package output

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kejingjing/sensible/internal/fusion"
)

// Stream is the client side of StreamTracks.
type Stream struct {
	cs grpc.ClientStream
}

// Subscribe opens a track stream on conn. The stream ends when ctx is
// cancelled or the server stops.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface) (*Stream, error) {
	cs, err := conn.NewStream(ctx, &TrackServiceDesc.Streams[0], StreamTracksMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Stream{cs: cs}, nil
}

// Recv blocks for the next track update. It returns io.EOF once the server
// closes the stream.
func (s *Stream) Recv() (fusion.TrackUpdate, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		return fusion.TrackUpdate{}, err
	}
	return Decode(msg)
}
