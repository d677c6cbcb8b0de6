package generate

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/kozy/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type modelServer interface {
	Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type fakeModel struct {
	mu    sync.Mutex
	reply string
	err   error
	seen  *structpb.Struct
}

func (m *fakeModel) Generate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = in
	if m.err != nil {
		return nil, m.err
	}
	return structpb.NewStruct(map[string]any{"reply": m.reply})
}

func (m *fakeModel) request() *structpb.Struct {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen
}

var modelDesc = grpc.ServiceDesc{
	ServiceName: ModelService,
	HandlerType: (*modelServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Generate",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(modelServer).Generate(ctx, in)
		},
	}},
}

func startModel(t *testing.T, model *fakeModel) (*GRPC, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&modelDesc, model)
	hs := health.NewServer()
	hs.SetServingStatus(ModelService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGRPCConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	g, err := NewGRPC(cfg, nil)
	if err != nil {
		t.Fatalf("NewGRPC: %v", err)
	}
	t.Cleanup(g.Close)
	return g, hs
}

func TestGRPCGenerate(t *testing.T) {
	model := &fakeModel{reply: "  That sounds like a lot. What helped last time?  "}
	g, _ := startModel(t, model)

	got, err := g.Generate(context.Background(), Request{
		Message: "work has been heavy",
		Emotion: domain.EmotionStressed,
		History: []domain.Turn{{User: "hi", Bot: []string{"Hey!", "How are you?"}}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "That sounds like a lot. What helped last time?" {
		t.Errorf("reply = %q", got)
	}

	req := model.request().AsMap()
	if req["message"] != "work has been heavy" || req["emotion"] != domain.EmotionStressed.String() {
		t.Errorf("unexpected request %v", req)
	}
	history, _ := req["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("history = %v", req["history"])
	}
	if turn := history[0].(map[string]any); turn["user"] != "hi" || turn["bot"] != "Hey! How are you?" {
		t.Errorf("history turn = %v", turn)
	}
}

func TestGRPCGenerateFailures(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
		want  error
	}{
		{"empty reply", &fakeModel{reply: "   "}, ErrEmptyReply},
		{"server error", &fakeModel{err: status.Error(codes.Unavailable, "model loading")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := startModel(t, tt.model)
			_, err := g.Generate(context.Background(), Request{Message: "hello"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if tt.want == nil && status.Code(errors.Unwrap(err)) != codes.Unavailable {
				t.Errorf("err = %v, want Unavailable", err)
			}
		})
	}
}

func TestGRPCPing(t *testing.T) {
	g, hs := startModel(t, &fakeModel{})
	ctx := context.Background()
	if err := g.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	hs.SetServingStatus(ModelService, healthpb.HealthCheckResponse_NOT_SERVING)
	if err := g.Ping(ctx); err == nil {
		t.Error("expected Ping to fail while not serving")
	}
}

func TestNewGRPCFailsFast(t *testing.T) {
	cfg := DefaultGRPCConfig("passthrough:///nowhere")
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("refused")
		}),
	}
	if _, err := NewGRPC(cfg, nil); err == nil {
		t.Fatal("expected NewGRPC to fail for an unreachable model service")
	}
}
