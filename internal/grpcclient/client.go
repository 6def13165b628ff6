package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-gallery/internal/comparator"
	"github.com/example/face-gallery/internal/logging"
)

// CompareMethod is the unary RPC exposed by the face verification sidecar.
const CompareMethod = "/facecompare.v1.FaceComparator/Compare"

// Invoker is the subset of *grpc.ClientConn used by the comparator.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// DialComparator returns a ready-to-use gRPC comparator for the face
// verification service.
func DialComparator(ctx context.Context, addr string, logger *zap.Logger) (*RemoteComparator, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_comparator", "", err)
		logger.Error("failed to dial face comparator", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteComparator(conn, logger), conn, nil
}

// RemoteComparator calls a face verification service over gRPC. Requests
// and replies are google.protobuf.Struct messages:
//
//	request: {probe_image: base64, candidate_image: base64}
//	reply:   {verified: bool, score: number}
type RemoteComparator struct {
	conn   Invoker
	logger *zap.Logger
}

// NewRemoteComparator wraps an established connection.
func NewRemoteComparator(conn Invoker, logger *zap.Logger) *RemoteComparator {
	return &RemoteComparator{conn: conn, logger: logger.Named("grpc_comparator")}
}

func (g *RemoteComparator) Compare(ctx context.Context, probe, candidate []byte) (comparator.Verdict, error) {
	req, err := structpb.NewStruct(map[string]any{
		"probe_image":     base64.StdEncoding.EncodeToString(probe),
		"candidate_image": base64.StdEncoding.EncodeToString(candidate),
	})
	if err != nil {
		return comparator.Verdict{}, fmt.Errorf("build compare request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, CompareMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.compare", "", classify(err))
		g.logger.Debug("face comparator call failed", zap.Error(wrapped))
		return comparator.Verdict{}, wrapped
	}

	fields := resp.GetFields()
	verified, ok := fields["verified"]
	if !ok {
		return comparator.Verdict{}, errors.New("compare reply is missing the verified field")
	}
	return comparator.Verdict{
		Verified: verified.GetBoolValue(),
		Score:    fields["score"].GetNumberValue(),
	}, nil
}

// classify marks transport level failures as comparator.ErrUnavailable so
// the engine stops scanning; everything else stays a per-candidate error.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.Unimplemented, codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", comparator.ErrUnavailable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	default:
		return err
	}
}
