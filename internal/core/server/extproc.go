// internal/core/server/extproc.go
package server

/*
 * Envoy External Processing adapter.
 *
 * One Process stream carries one HTTP transaction. The filter is expected
 * to run with BUFFERED body modes, so each side arrives as a headers message
 * followed, when the message has a body, by a single body message:
 *
 *   headers (end_of_stream)   -> run the phases, answer in the headers response
 *   headers + body            -> acknowledge the headers unchanged, hold them,
 *                                run the phases on the body message and answer
 *                                header and body mutations in the body response
 *
 * A body larger than the configured limit is answered with a local reply
 * without running the phases.
 *
 * Outcomes map to:
 *   continue     -> CommonResponse with HeaderMutation / BodyMutation
 *   local reply  -> ImmediateResponse
 *   drop         -> stream aborted with codes.Aborted
 *
 * The routing decision is published as dynamic metadata under eric_proxy on
 * every response. A response whose :status was changed by screening is sent
 * as an ImmediateResponse since the status line is not mutable in place.
 */

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/auth"
	"github.com/consultant-1379/sc-envoy-sub001/internal/engine"
	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

const (
	sideRequest  = "request"
	sideResponse = "response"

	// DropDetails is the status message of a stream reset by drop_message.
	DropDetails = "stream_reset_by_message_screening_action"

	// networkKey names the ingress network in the eric_proxy filter metadata
	// Envoy attaches to the ProcessingRequest.
	networkKey = "network"

	headerStatus      = ":status"
	headerContentType = "content-type"

	tracerName = "sbiscreen/extproc"
)

// Observer receives stream and message counters.
type Observer interface {
	StreamOpened()
	StreamClosed()
	StreamError(stage string)
	MessageProcessed(side, outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) StreamOpened() {}
func (nopObserver) StreamClosed() {}
func (nopObserver) StreamError(string) {}
func (nopObserver) MessageProcessed(string, string, time.Duration) {}

// ExtProcOptions configures an ExtProcServer.
type ExtProcOptions struct {
	// DefaultNetwork applies when the request carries no network metadata.
	// Empty selects the only configured network, if there is exactly one.
	DefaultNetwork string
	// MaxBodySize bounds a buffered body; 0 means types.MaxBodySize.
	MaxBodySize    int64
	Observer       Observer
	Logger         *zap.Logger
}

// ExtProcServer implements the Envoy ExternalProcessor service.
type ExtProcServer struct {
	extprocv3.UnimplementedExternalProcessorServer

	engine  atomic.Pointer[engine.Engine]
	network string
	maxBody int64
	obs     Observer
	log     *zap.Logger
	tracer  trace.Tracer
}

// NewExtProcServer serves transactions with e.
func NewExtProcServer(e *engine.Engine, opts ExtProcOptions) *ExtProcServer {
	s := &ExtProcServer{
		network: opts.DefaultNetwork,
		maxBody: opts.MaxBodySize,
		obs:     opts.Observer,
		log:     opts.Logger,
		tracer:  otel.Tracer(tracerName),
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.maxBody <= 0 {
		s.maxBody = types.MaxBodySize
	}
	s.SetEngine(e)
	return s
}

// SetEngine replaces the engine for streams opened from now on. Open
// streams finish with the engine they started with.
func (s *ExtProcServer) SetEngine(e *engine.Engine) {
	s.engine.Store(e)
}

// Engine returns the current engine.
func (s *ExtProcServer) Engine() *engine.Engine {
	return s.engine.Load()
}

// Process implements the bidirectional streaming RPC handler.
func (s *ExtProcServer) Process(srv extprocv3.ExternalProcessor_ProcessServer) error {
	s.obs.StreamOpened()
	defer s.obs.StreamClosed()

	ctx := extractTraceContext(srv.Context())
	ctx, span := s.tracer.Start(ctx, "ext_proc.process", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	if keyID := auth.KeyIDFromContext(ctx); keyID != "" {
		span.SetAttributes(attribute.String("sbiscreen.api_key_id", keyID))
	}

	st := &stream{server: s, engine: s.engine.Load()}
	for {
		req, err := srv.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				s.log.Debug("stream closed by peer")
				return nil
			}
			s.obs.StreamError("receive")
			return status.Errorf(codes.Unknown, "failed to receive request: %v", err)
		}

		resp, err := st.handle(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			return err
		}

		if err := srv.Send(resp); err != nil {
			s.obs.StreamError("send")
			return status.Errorf(codes.Unknown, "failed to send response: %v", err)
		}
	}
}

// networkOf returns the ingress network of a transaction.
func (s *ExtProcServer) networkOf(req *extprocv3.ProcessingRequest, e *engine.Engine) string {
	if ns, ok := req.GetMetadataContext().GetFilterMetadata()[engine.MetadataNamespace]; ok {
		if n := ns.GetFields()[networkKey].GetStringValue(); n != "" {
			return n
		}
	}
	if s.network != "" {
		return s.network
	}
	if names := e.Config().NetworkNames(); len(names) == 1 {
		return names[0]
	}
	return ""
}

// stage tells which ext_proc message a response answers.
type stage int

const (
	stageHeaders stage = iota
	stageBody
)

// stream is the state of one Process call.
type stream struct {
	server *ExtProcServer
	engine *engine.Engine
	txn    *engine.Transaction

	held *message.Headers // headers waiting for their body
	body []byte           // body chunks received so far
}

func (st *stream) transaction(req *extprocv3.ProcessingRequest) *engine.Transaction {
	if st.txn == nil {
		st.txn = st.engine.NewTransaction(st.server.networkOf(req, st.engine))
	}
	return st.txn
}

func (st *stream) handle(ctx context.Context, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	switch r := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		st.transaction(req)
		return st.headers(ctx, sideRequest, r.RequestHeaders)

	case *extprocv3.ProcessingRequest_RequestBody:
		st.transaction(req)
		return st.bodyChunk(ctx, sideRequest, r.RequestBody)

	case *extprocv3.ProcessingRequest_ResponseHeaders:
		st.transaction(req)
		return st.headers(ctx, sideResponse, r.ResponseHeaders)

	case *extprocv3.ProcessingRequest_ResponseBody:
		st.transaction(req)
		return st.bodyChunk(ctx, sideResponse, r.ResponseBody)

	case *extprocv3.ProcessingRequest_RequestTrailers:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestTrailers{RequestTrailers: &extprocv3.TrailersResponse{}},
		}, nil

	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseTrailers{ResponseTrailers: &extprocv3.TrailersResponse{}},
		}, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "unsupported processing request %T", req.Request)
}

func (st *stream) headers(ctx context.Context, side string, h *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, error) {
	headers := toHeaders(h.GetHeaders())
	if !h.GetEndOfStream() {
		st.held, st.body = headers, nil
		return continueResponse(side, stageHeaders, nil), nil
	}
	return st.process(ctx, side, stageHeaders, message.New(headers, nil))
}

func (st *stream) bodyChunk(ctx context.Context, side string, b *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error) {
	if int64(len(st.body)+len(b.GetBody())) > st.server.maxBody {
		return st.bodyTooLarge(side), nil
	}
	st.body = append(st.body, b.GetBody()...)
	if !b.GetEndOfStream() {
		return continueResponse(side, stageBody, nil), nil
	}
	headers := st.held
	if headers == nil {
		headers = message.NewHeaders()
	}
	msg := message.New(headers, st.body)
	st.held, st.body = nil, nil
	return st.process(ctx, side, stageBody, msg)
}

// bodyTooLarge drops the buffered message and answers with a local reply.
func (st *stream) bodyTooLarge(side string) *extprocv3.ProcessingResponse {
	s := st.server
	st.held, st.body = nil, nil
	s.obs.StreamError("body_too_large")
	s.log.Warn("buffered body exceeds limit",
		zap.String("msg_id", string(st.txn.ID())),
		zap.String("side", side),
		zap.Int64("limit", s.maxBody))

	reply := types.ProblemPayloadTooLarge.Reply()
	if side == sideResponse {
		reply = types.ProblemResponseTooLarge.Reply()
	}
	headers := []message.Header{{Name: headerContentType, Value: reply.ContentType}}
	return immediateResponse(reply.Status, headers, []byte(reply.Body), reply.Details)
}

// process runs one side of the transaction and translates the outcome.
func (st *stream) process(ctx context.Context, side string, stg stage, msg *message.Message) (*extprocv3.ProcessingResponse, error) {
	s := st.server
	ctx, span := s.tracer.Start(ctx, "ext_proc."+side, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := time.Now()
	var out engine.Outcome
	var err error
	if side == sideRequest {
		out, err = st.txn.ProcessRequest(ctx, msg)
	} else {
		out, err = st.txn.ProcessResponse(ctx, msg)
	}
	if err != nil {
		s.obs.StreamError("process")
		return nil, status.FromContextError(err).Err()
	}
	s.obs.MessageProcessed(side, out.Kind.String(), time.Since(start))

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("sbiscreen.msg_id", string(st.txn.ID())),
			attribute.String("sbiscreen.outcome", out.Kind.String()),
			attribute.String("sbiscreen.cluster", st.txn.Decision().Cluster),
		)
	}

	switch out.Kind {
	case engine.OutcomeDrop:
		s.log.Debug("dropping message", zap.String("msg_id", string(st.txn.ID())), zap.String("side", side))
		return nil, status.Error(codes.Aborted, DropDetails)
	case engine.OutcomeLocalReply:
		resp := immediateResponse(out.Reply.Status, replyHeaders(out), []byte(out.Reply.Body), out.Reply.Details)
		resp.DynamicMetadata = s.dynamicMetadata(out.Metadata)
		return resp, nil
	}

	if side == sideResponse {
		if _, changed := out.Headers.Set[headerStatus]; changed {
			resp := statusReplaced(msg)
			resp.DynamicMetadata = s.dynamicMetadata(out.Metadata)
			return resp, nil
		}
	}

	resp := continueResponse(side, stg, &out)
	resp.DynamicMetadata = s.dynamicMetadata(out.Metadata)
	return resp, nil
}

// dynamicMetadata wraps md in the eric_proxy namespace.
func (s *ExtProcServer) dynamicMetadata(md map[string]any) *structpb.Struct {
	if len(md) == 0 {
		return nil
	}
	ns, err := structpb.NewStruct(md)
	if err != nil {
		s.log.Warn("dropping dynamic metadata", zap.Error(err))
		return nil
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		engine.MetadataNamespace: structpb.NewStructValue(ns),
	}}
}

// continueResponse answers a headers or body message. out nil leaves the
// message unchanged.
func continueResponse(side string, stg stage, out *engine.Outcome) *extprocv3.ProcessingResponse {
	common := &extprocv3.CommonResponse{}
	if out != nil {
		common.HeaderMutation = headerMutation(out.Headers)
		if out.BodyChanged {
			common.BodyMutation = &extprocv3.BodyMutation{
				Mutation: &extprocv3.BodyMutation_Body{Body: out.Body},
			}
			if stg == stageHeaders {
				common.Status = extprocv3.CommonResponse_CONTINUE_AND_REPLACE
			}
		}
	}

	resp := &extprocv3.ProcessingResponse{}
	switch {
	case side == sideRequest && stg == stageHeaders:
		resp.Response = &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{Response: common},
		}
	case side == sideRequest:
		resp.Response = &extprocv3.ProcessingResponse_RequestBody{
			RequestBody: &extprocv3.BodyResponse{Response: common},
		}
	case stg == stageHeaders:
		resp.Response = &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{Response: common},
		}
	default:
		resp.Response = &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{Response: common},
		}
	}
	return resp
}

// statusReplaced sends a screened response whose status changed.
func statusReplaced(msg *message.Message) *extprocv3.ProcessingResponse {
	code, _ := strconv.Atoi(firstValue(msg.Headers, headerStatus))
	var headers []message.Header
	msg.Headers.Each(func(name, value string) {
		if strings.HasPrefix(name, ":") {
			return
		}
		headers = append(headers, message.Header{Name: name, Value: value})
	})
	return immediateResponse(code, headers, msg.Body.Bytes(), "")
}

func immediateResponse(code int, headers []message.Header, body []byte, details string) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(code)},
				Headers: setHeaders(headers),
				Body:    body,
				Details: details,
			},
		},
	}
}

// replyHeaders lists the headers of a local reply: content-type first, then
// the headers screening added.
func replyHeaders(out engine.Outcome) []message.Header {
	var hs []message.Header
	if out.Reply.ContentType != "" {
		hs = append(hs, message.Header{Name: headerContentType, Value: out.Reply.ContentType})
	}
	return append(hs, out.ReplyHeaders...)
}

// headerMutation translates a header diff. The first value of a name
// overwrites, further values append.
func headerMutation(d message.HeaderDiff) *extprocv3.HeaderMutation {
	if d.Empty() {
		return nil
	}
	names := make([]string, 0, len(d.Set))
	for name := range d.Set {
		names = append(names, name)
	}
	sort.Strings(names)

	hm := &extprocv3.HeaderMutation{}
	for _, name := range names {
		for i, v := range d.Set[name] {
			hm.SetHeaders = append(hm.SetHeaders, headerOption(name, v, i == 0))
		}
	}
	if len(d.Remove) > 0 {
		hm.RemoveHeaders = append([]string(nil), d.Remove...)
		sort.Strings(hm.RemoveHeaders)
	}
	return hm
}

func setHeaders(headers []message.Header) *extprocv3.HeaderMutation {
	if len(headers) == 0 {
		return nil
	}
	hm := &extprocv3.HeaderMutation{SetHeaders: make([]*corev3.HeaderValueOption, 0, len(headers))}
	seen := make(map[string]bool, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		hm.SetHeaders = append(hm.SetHeaders, headerOption(name, h.Value, !seen[name]))
		seen[name] = true
	}
	return hm
}

func headerOption(name, value string, overwrite bool) *corev3.HeaderValueOption {
	action := corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD
	if overwrite {
		action = corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD
	}
	return &corev3.HeaderValueOption{
		Header:       &corev3.HeaderValue{Key: name, RawValue: []byte(value)},
		AppendAction: action,
	}
}

// toHeaders converts Envoy headers. Envoy fills RawValue; Value is read for
// older senders.
func toHeaders(hm *corev3.HeaderMap) *message.Headers {
	h := message.NewHeaders()
	for _, hv := range hm.GetHeaders() {
		v := string(hv.GetRawValue())
		if v == "" {
			v = hv.GetValue()
		}
		h.Add(hv.GetKey(), v)
	}
	return h
}

func firstValue(h *message.Headers, name string) string {
	v, _ := h.First(name)
	return v
}

// mdCarrier adapts incoming gRPC metadata to the otel propagator.
type mdCarrier metadata.MD

func (c mdCarrier) Get(key string) string {
	if vs := metadata.MD(c).Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (c mdCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c mdCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// extractTraceContext continues a trace started by Envoy.
func extractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, mdCarrier(md))
}
