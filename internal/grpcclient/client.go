package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/plantid/internal/classifier"
	"github.com/example/plantid/internal/logging"
)

// Remote classifier service. The request is the raw image as a BytesValue;
// the reply is a Struct with a string "label" and a numeric "confidence"
// percentage.
const (
	ServiceName    = "plantid.Classifier"
	ClassifyMethod = "/" + ServiceName + "/Classify"
)

// DialClassifier returns a ready-to-use classifier backed by a remote gRPC service.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (classifier.Classifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcClassifier{conn: conn, logger: logger.Named("grpc_classifier")}, conn, nil
}

type grpcClassifier struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, image []byte) (*classifier.Result, error) {
	reply := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, wrapperspb.Bytes(image), reply); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", classifier.Inferencef("%v", err))
		g.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("code", status.Code(err).String()))
		return nil, wrapped
	}

	fields := reply.GetFields()
	label := fields["label"].GetStringValue()
	if label == "" {
		return nil, classifier.Inferencef("reply has no label")
	}
	confidence, ok := fields["confidence"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, classifier.Inferencef("reply has no numeric confidence")
	}
	return &classifier.Result{Label: label, Confidence: confidence.NumberValue}, nil
}
