// Command flashd is a small supervisor process that exposes a
// flashing session over gRPC (connect/identify, a server-streamed
// progress/event feed) and a local HTTP status surface: a driving CLI
// or GUI process (out of scope here) supervises one flashing session
// per process instead of linking the core directly.
//
// No .proto/.pb.go exist for this module's request/response shapes, so
// rather than fabricate generated bindings this registers a JSON
// grpc.Codec under content-subtype "json" and a hand-written
// grpc.ServiceDesc — grpc's server, its streaming semantics, and its
// service-descriptor wiring are all genuinely exercised; only the
// protoc codegen step is substituted. See DESIGN.md.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/guiperry/fonecore/pkg/eventlog"
)

// jsonCodec implements grpc's encoding.Codec over encoding/json, so the
// service below needs no protoc-generated Marshal/Unmarshal.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                        { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ConnectRequest/ConnectResponse/EventRecord are the wire messages this
// service exchanges; their JSON shape is the service's effective schema
// in lieu of a .proto file.
type ConnectRequest struct {
	Device string `json:"device"` // "vid:pid"
}

type ConnectResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type EventRecord struct {
	Timestamp *timestamppb.Timestamp `json:"timestamp"`
	Level     string                 `json:"level"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	BytesDone int64                  `json:"bytes_done"`
	BytesTotal int64                 `json:"bytes_total"`
}

// session is the server's view of one supervised flashing session.
type session struct {
	id      string
	device  string
	state   string
	events  chan EventRecord
	created time.Time
}

type flashServer struct {
	mu       sync.Mutex
	sessions map[string]*session
	sink     eventlog.Sink
}

func newFlashServer(sink eventlog.Sink) *flashServer {
	return &flashServer{sessions: make(map[string]*session), sink: sink}
}

// Connect opens (or reopens) a session for a device descriptor, the
// unary half of FlashService. It does not itself drive the protocol
// engine's handshake here — that belongs to whatever process embeds
// pkg/brom against the device — it records session bookkeeping that the
// streamed event feed then reports against.
func (s *flashServer) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	if req.Device == "" {
		return nil, status.Error(codes.InvalidArgument, "device must be set (vid:pid)")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("sess-%d", len(s.sessions)+1)
	sess := &session{id: id, device: req.Device, state: "connecting", events: make(chan EventRecord, 256), created: time.Now()}
	s.sessions[id] = sess

	eventlog.Info(s.sink, eventlog.ComponentTransport, "session opened", map[string]any{"session_id": id, "device": req.Device})
	return &ConnectResponse{SessionID: id, State: sess.state}, nil
}

// eventStream is the server-streaming half: a caller open a stream and
// receives EventRecords as the session's progress/event sink publishes
// them, until the caller cancels or the session closes.
func (s *flashServer) eventStream(sessionID string, send func(*EventRecord) error, ctx context.Context) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "no such session %q", sessionID)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sess.events:
			if !ok {
				return nil
			}
			if err := send(&ev); err != nil {
				return err
			}
		}
	}
}

// publish pushes an eventlog record into a session's stream; called by
// whatever embeds this server alongside a live DeviceHandle/brom.Client.
func (s *flashServer) publish(sessionID string, r eventlog.Record, bytesDone, bytesTotal int64) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sess.events <- EventRecord{
		Timestamp:  timestamppb.Now(),
		Level:      levelName(r.Level),
		Category:   string(r.Category),
		Message:    r.Message,
		BytesDone:  bytesDone,
		BytesTotal: bytesTotal,
	}:
	default:
		// backpressure: a stalled consumer drops events rather than
		// blocking the flashing session it is only observing.
	}
}

func levelName(l eventlog.Level) string {
	switch l {
	case eventlog.LevelDebug:
		return "debug"
	case eventlog.LevelWarn:
		return "warn"
	case eventlog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// serviceDesc wires flashServer's two methods into a grpc.ServiceDesc by
// hand, since no protoc-generated descriptor exists for this service
// (see package doc).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "flashcore.FlashService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Connect",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := new(ConnectRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return srv.(*flashServer).Connect(ctx, req)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(ConnectRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(*flashServer).eventStream(req.Device, func(ev *EventRecord) error {
					return stream.SendMsg(ev)
				}, stream.Context())
			},
		},
	},
}

// newHTTPStatusServer builds the gin surface a GUI/CLI can poll instead
// of holding a gRPC stream open.
func newHTTPStatusServer(fs *flashServer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		fs.mu.Lock()
		sess, ok := fs.sessions[c.Param("id")]
		fs.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sess.id,
			"device":     sess.device,
			"state":      sess.state,
			"created":    sess.created,
		})
	})

	return r
}

func main() {
	grpcPort := flag.Int("grpc-port", 9500, "gRPC listen port")
	httpPort := flag.Int("http-port", 9501, "HTTP status listen port")
	flag.Parse()

	sink := eventlog.NewDefaultSlogSink()
	fs := newFlashServer(sink)

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&serviceDesc, fs)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", *grpcPort))
	if err != nil {
		log.Fatalf("flashd: listen grpc: %v", err)
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", *httpPort),
		Handler: newHTTPStatusServer(fs),
	}

	go func() {
		log.Printf("flashd: grpc listening on %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("flashd: grpc serve: %v", err)
		}
	}()
	go func() {
		log.Printf("flashd: http status listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("flashd: http serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("flashd: shutting down")
	grpcServer.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}
