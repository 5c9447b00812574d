package server

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/consultant-1379/sc-envoy-sub001/internal/engine"
	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// mockExtProcStream implements extprocv3.ExternalProcessor_ProcessServer.
type mockExtProcStream struct {
	requests  []*extprocv3.ProcessingRequest
	responses []*extprocv3.ProcessingResponse
	recvIndex int
	recvErr   error
	sendErr   error
	ctx       context.Context
}

func newMockStream(requests ...*extprocv3.ProcessingRequest) *mockExtProcStream {
	return &mockExtProcStream{requests: requests, ctx: context.Background()}
}

func (m *mockExtProcStream) Send(resp *extprocv3.ProcessingResponse) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockExtProcStream) Recv() (*extprocv3.ProcessingRequest, error) {
	if m.recvErr != nil {
		return nil, m.recvErr
	}
	if m.recvIndex >= len(m.requests) {
		return nil, io.EOF
	}
	req := m.requests[m.recvIndex]
	m.recvIndex++
	return req, nil
}

func (m *mockExtProcStream) SetHeader(metadata.MD) error  { return nil }
func (m *mockExtProcStream) SendHeader(metadata.MD) error { return nil }
func (m *mockExtProcStream) SetTrailer(metadata.MD)       {}
func (m *mockExtProcStream) Context() context.Context     { return m.ctx }
func (m *mockExtProcStream) SendMsg(any) error            { return nil }
func (m *mockExtProcStream) RecvMsg(any) error            { return nil }

type countingObserver struct {
	opened, closed int
	errors         []string
	outcomes       []string
}

func (c *countingObserver) StreamOpened()            { c.opened++ }
func (c *countingObserver) StreamClosed()            { c.closed++ }
func (c *countingObserver) StreamError(stage string) { c.errors = append(c.errors, stage) }
func (c *countingObserver) MessageProcessed(side, outcome string, _ time.Duration) {
	c.outcomes = append(c.outcomes, side+":"+outcome)
}

const edgeConfig = `
name: edge
node_type: scp
own_fqdn: scp.own.example.com
networks:
  - name: ext
    in_request_screening: [in_req]
    routing: route
    out_response_screening: [out_resp]
  - name: int
    in_request_screening: [internal]
filter_cases:
  - name: in_req
    filter_data:
      - name: action
        header: x-action
        variable_name: action
    filter_rules:
      - name: reject
        condition:
          op_equals:
            typed_config1:
              term_var: action
            typed_config2:
              term_string: reject
        actions:
          - action_reject_message:
              status: 403
              title: Forbidden
              detail: screened
              message_format: JSON
      - name: drop
        condition:
          op_equals:
            typed_config1:
              term_var: action
            typed_config2:
              term_string: drop
        actions:
          - action_drop_message: true
      - name: screen
        condition:
          term_boolean: true
        actions:
          - action_add_header:
              name: x-screened
              value:
                term_string: ext
          - action_remove_header:
              name: x-secret
          - action_modify_json_body:
              name: mask
              json_operation:
                replace_in_json:
                  json_pointer:
                    term_string: /supi
                  value:
                    term_json_string: masked
  - name: internal
    filter_rules:
      - name: screen
        condition:
          term_boolean: true
        actions:
          - action_add_header:
              name: x-screened
              value:
                term_string: int
  - name: route
    filter_rules:
      - name: pool
        condition:
          term_boolean: true
        actions:
          - action_route_to_pool:
              pool_name:
                term_string: pool_a
              routing_behaviour: ROUND_ROBIN
  - name: out_resp
    filter_rules:
      - name: throttle
        condition:
          op_equals:
            typed_config1:
              term_respheader: ":status"
            typed_config2:
              term_string: "503"
        actions:
          - action_modify_status_code:
              status: 429
              detail: throttled
      - name: mark
        condition:
          term_boolean: true
        actions:
          - action_add_header:
              name: x-out-resp
              value:
                term_string: seen
`

func newTestEngine(t *testing.T, doc string) *engine.Engine {
	t.Helper()
	var fc types.FilterConfig
	require.NoError(t, yaml.Unmarshal([]byte(doc), &fc))
	cfg, err := rules.Compile(&fc)
	require.NoError(t, err)
	return engine.New(cfg, engine.Options{Logger: zaptest.NewLogger(t)})
}

func newTestServer(t *testing.T, obs Observer) *ExtProcServer {
	t.Helper()
	return NewExtProcServer(newTestEngine(t, edgeConfig), ExtProcOptions{
		DefaultNetwork: "ext",
		Observer:       obs,
		Logger:         zaptest.NewLogger(t),
	})
}

func headerMap(pairs ...string) *corev3.HeaderMap {
	hm := &corev3.HeaderMap{}
	for i := 0; i+1 < len(pairs); i += 2 {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: pairs[i], RawValue: []byte(pairs[i+1])})
	}
	return hm
}

func requestHeaders(eos bool, extra ...string) *extprocv3.ProcessingRequest {
	pairs := append([]string{
		":method", "POST",
		":path", "/nudm-sdm/v2/imsi-1",
		":authority", "scp.own.example.com:443",
		":scheme", "https",
	}, extra...)
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{Headers: headerMap(pairs...), EndOfStream: eos},
		},
	}
}

func requestBody(body string) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestBody{
			RequestBody: &extprocv3.HttpBody{Body: []byte(body), EndOfStream: true},
		},
	}
}

func responseHeaders(eos bool, pairs ...string) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extprocv3.HttpHeaders{Headers: headerMap(pairs...), EndOfStream: eos},
		},
	}
}

func responseBody(body string) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseBody{
			ResponseBody: &extprocv3.HttpBody{Body: []byte(body), EndOfStream: true},
		},
	}
}

// setHeaderValues collects the values set per header name.
func setHeaderValues(hm *extprocv3.HeaderMutation) map[string][]string {
	out := make(map[string][]string)
	for _, o := range hm.GetSetHeaders() {
		out[o.GetHeader().GetKey()] = append(out[o.GetHeader().GetKey()], string(o.GetHeader().GetRawValue()))
	}
	return out
}

func routingMetadata(t *testing.T, s *structpb.Struct) map[string]any {
	t.Helper()
	ns, ok := s.GetFields()[engine.MetadataNamespace]
	require.True(t, ok, "missing %s metadata", engine.MetadataNamespace)
	return ns.GetStructValue().AsMap()
}

func TestProcess_EmptyStream(t *testing.T) {
	obs := &countingObserver{}
	s := newTestServer(t, obs)
	stream := newMockStream()

	require.NoError(t, s.Process(stream))
	assert.Empty(t, stream.responses)
	assert.Equal(t, 1, obs.opened)
	assert.Equal(t, 1, obs.closed)
}

func TestProcess_RequestHeadersOnly(t *testing.T) {
	obs := &countingObserver{}
	s := newTestServer(t, obs)
	stream := newMockStream(requestHeaders(true, "x-secret", "s3cr3t"))

	require.NoError(t, s.Process(stream))
	require.Len(t, stream.responses, 1)

	resp := stream.responses[0]
	common := resp.GetRequestHeaders().GetResponse()
	require.NotNil(t, common)
	assert.Equal(t, extprocv3.CommonResponse_CONTINUE, common.GetStatus())
	assert.Nil(t, common.GetBodyMutation())

	set := setHeaderValues(common.GetHeaderMutation())
	assert.Equal(t, []string{"ext"}, set["x-screened"])
	assert.Equal(t, []string{"pool_a"}, set["x-cluster"])
	assert.Contains(t, common.GetHeaderMutation().GetRemoveHeaders(), "x-secret")

	md := routingMetadata(t, resp.GetDynamicMetadata())
	assert.Equal(t, "ROUND_ROBIN", md["routing-behaviour"])
	assert.Equal(t, []string{"request:continue"}, obs.outcomes)
}

func TestProcess_BufferedRequestBody(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"supi":"imsi-1","plmn":"262-01"}`
	stream := newMockStream(
		requestHeaders(false, "content-type", "application/json", "content-length", strconv.Itoa(len(body))),
		requestBody(body),
	)

	require.NoError(t, s.Process(stream))
	require.Len(t, stream.responses, 2)

	// headers are acknowledged unchanged while the body is outstanding
	ack := stream.responses[0].GetRequestHeaders().GetResponse()
	require.NotNil(t, ack)
	assert.Nil(t, ack.GetHeaderMutation())
	assert.Nil(t, stream.responses[0].GetDynamicMetadata())

	common := stream.responses[1].GetRequestBody().GetResponse()
	require.NotNil(t, common)
	newBody := common.GetBodyMutation().GetBody()
	assert.JSONEq(t, `{"supi":"masked","plmn":"262-01"}`, string(newBody))

	set := setHeaderValues(common.GetHeaderMutation())
	assert.Equal(t, []string{"ext"}, set["x-screened"])
	assert.Equal(t, []string{strconv.Itoa(len(newBody))}, set["content-length"])
	assert.NotNil(t, stream.responses[1].GetDynamicMetadata())
}

func TestProcess_LocalReply(t *testing.T) {
	obs := &countingObserver{}
	s := newTestServer(t, obs)
	stream := newMockStream(requestHeaders(true, "x-action", "reject"))

	require.NoError(t, s.Process(stream))
	require.Len(t, stream.responses, 1)

	imm := stream.responses[0].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.Equal(t, 403, int(imm.GetStatus().GetCode()))
	assert.Equal(t, `{"status": 403, "title": "Forbidden", "detail": "screened"}`, string(imm.GetBody()))

	set := setHeaderValues(imm.GetHeaders())
	assert.Equal(t, []string{types.ContentTypeProblemJSON}, set["content-type"])
	assert.Equal(t, []string{"seen"}, set["x-out-resp"])

	md := routingMetadata(t, stream.responses[0].GetDynamicMetadata())
	assert.Equal(t, "true", md["internal-rejected"])
	assert.Equal(t, []string{"request:local_reply"}, obs.outcomes)
}

func TestProcess_Drop(t *testing.T) {
	s := newTestServer(t, nil)
	stream := newMockStream(requestHeaders(true, "x-action", "drop"))

	err := s.Process(stream)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Aborted, st.Code())
	assert.Equal(t, DropDetails, st.Message())
	assert.Empty(t, stream.responses)
}

func TestProcess_Response(t *testing.T) {
	s := newTestServer(t, nil)
	stream := newMockStream(
		requestHeaders(true),
		responseHeaders(true, ":status", "200"),
	)

	require.NoError(t, s.Process(stream))
	require.Len(t, stream.responses, 2)

	common := stream.responses[1].GetResponseHeaders().GetResponse()
	require.NotNil(t, common)
	assert.Equal(t, []string{"seen"}, setHeaderValues(common.GetHeaderMutation())["x-out-resp"])
}

func TestProcess_ResponseStatusChanged(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"status":503,"title":"Service Unavailable"}`
	stream := newMockStream(
		requestHeaders(true),
		responseHeaders(false, ":status", "503", "content-type", types.ContentTypeProblemJSON),
		responseBody(body),
	)

	require.NoError(t, s.Process(stream))
	require.Len(t, stream.responses, 3)
	require.NotNil(t, stream.responses[1].GetResponseHeaders())

	imm := stream.responses[2].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.Equal(t, 429, int(imm.GetStatus().GetCode()))
	assert.JSONEq(t, `{"status":429,"title":"Service Unavailable","detail":"throttled"}`, string(imm.GetBody()))

	set := setHeaderValues(imm.GetHeaders())
	assert.Equal(t, []string{"seen"}, set["x-out-resp"])
	assert.NotContains(t, set, ":status")
}

func TestProcess_Trailers(t *testing.T) {
	s := newTestServer(t, nil)
	stream := newMockStream(
		&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_RequestTrailers{RequestTrailers: &extprocv3.HttpTrailers{}}},
		&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_ResponseTrailers{ResponseTrailers: &extprocv3.HttpTrailers{}}},
	)

	require.NoError(t, s.Process(stream))
	require.Len(t, stream.responses, 2)
	assert.NotNil(t, stream.responses[0].GetRequestTrailers())
	assert.NotNil(t, stream.responses[1].GetResponseTrailers())
}

func TestProcess_UnknownRequestType(t *testing.T) {
	s := newTestServer(t, nil)
	stream := newMockStream(&extprocv3.ProcessingRequest{})

	err := s.Process(stream)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestProcess_StreamErrors(t *testing.T) {
	t.Run("receive error", func(t *testing.T) {
		obs := &countingObserver{}
		stream := newMockStream()
		stream.recvErr = errors.New("receive error")
		assert.Error(t, newTestServer(t, obs).Process(stream))
		assert.Equal(t, []string{"receive"}, obs.errors)
	})

	t.Run("context canceled", func(t *testing.T) {
		stream := newMockStream()
		stream.recvErr = context.Canceled
		assert.NoError(t, newTestServer(t, nil).Process(stream))
	})

	t.Run("send error", func(t *testing.T) {
		obs := &countingObserver{}
		stream := newMockStream(requestHeaders(true))
		stream.sendErr = errors.New("send error")
		assert.Error(t, newTestServer(t, obs).Process(stream))
		assert.Equal(t, []string{"send"}, obs.errors)
	})
}

func TestNetworkSelection(t *testing.T) {
	withNetwork := func(network string) *extprocv3.ProcessingRequest {
		req := requestHeaders(true)
		req.MetadataContext = &corev3.Metadata{FilterMetadata: map[string]*structpb.Struct{
			engine.MetadataNamespace: {Fields: map[string]*structpb.Value{
				networkKey: structpb.NewStringValue(network),
			}},
		}}
		return req
	}

	t.Run("from filter metadata", func(t *testing.T) {
		stream := newMockStream(withNetwork("int"))
		require.NoError(t, newTestServer(t, nil).Process(stream))
		set := setHeaderValues(stream.responses[0].GetRequestHeaders().GetResponse().GetHeaderMutation())
		assert.Equal(t, []string{"int"}, set["x-screened"])
	})

	t.Run("default network", func(t *testing.T) {
		stream := newMockStream(requestHeaders(true))
		require.NoError(t, newTestServer(t, nil).Process(stream))
		set := setHeaderValues(stream.responses[0].GetRequestHeaders().GetResponse().GetHeaderMutation())
		assert.Equal(t, []string{"ext"}, set["x-screened"])
	})

	t.Run("single configured network", func(t *testing.T) {
		const doc = `
name: single
networks:
  - name: only
    in_request_screening: [fc]
filter_cases:
  - name: fc
    filter_rules:
      - name: mark
        condition:
          term_boolean: true
        actions:
          - action_add_header:
              name: x-net
              value:
                term_string: only
`
		s := NewExtProcServer(newTestEngine(t, doc), ExtProcOptions{})
		stream := newMockStream(requestHeaders(true))
		require.NoError(t, s.Process(stream))
		set := setHeaderValues(stream.responses[0].GetRequestHeaders().GetResponse().GetHeaderMutation())
		assert.Equal(t, []string{"only"}, set["x-net"])
	})
}

func TestSetEngine(t *testing.T) {
	s := newTestServer(t, nil)
	const doc = `
name: replaced
networks:
  - name: ext
filter_cases: []
`
	replaced := newTestEngine(t, doc)
	s.SetEngine(replaced)
	assert.Same(t, replaced, s.Engine())

	stream := newMockStream(requestHeaders(true))
	require.NoError(t, s.Process(stream))
	set := setHeaderValues(stream.responses[0].GetRequestHeaders().GetResponse().GetHeaderMutation())
	assert.NotContains(t, set, "x-screened")
	assert.Equal(t, []string{"2.0 SCP-"}, set["via"])
}

func TestHeaderMutation(t *testing.T) {
	assert.Nil(t, headerMutation(message.HeaderDiff{}))

	hm := headerMutation(message.HeaderDiff{
		Set:    map[string][]string{"x-b": {"1", "2"}, "x-a": {"v"}},
		Remove: []string{"x-z", "x-y"},
	})
	require.Len(t, hm.GetSetHeaders(), 3)

	a, b1, b2 := hm.SetHeaders[0], hm.SetHeaders[1], hm.SetHeaders[2]
	assert.Equal(t, "x-a", a.GetHeader().GetKey())
	assert.Equal(t, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD, a.GetAppendAction())
	assert.Equal(t, "1", string(b1.GetHeader().GetRawValue()))
	assert.Equal(t, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD, b1.GetAppendAction())
	assert.Equal(t, "2", string(b2.GetHeader().GetRawValue()))
	assert.Equal(t, corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD, b2.GetAppendAction())
	assert.Equal(t, []string{"x-y", "x-z"}, hm.GetRemoveHeaders())
}

func TestToHeaders(t *testing.T) {
	h := toHeaders(&corev3.HeaderMap{Headers: []*corev3.HeaderValue{
		{Key: "x-raw", RawValue: []byte("raw")},
		{Key: "x-legacy", Value: "legacy"},
		{Key: "x-raw", RawValue: []byte("again")},
	}})
	assert.Equal(t, []string{"raw", "again"}, h.Get("x-raw"))
	assert.Equal(t, []string{"legacy"}, h.Get("x-legacy"))
}

func requestBodyChunk(body string, eos bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestBody{
			RequestBody: &extprocv3.HttpBody{Body: []byte(body), EndOfStream: eos},
		},
	}
}

func TestProcess_BodyLimit(t *testing.T) {
	newServer := func(obs Observer) *ExtProcServer {
		return NewExtProcServer(newTestEngine(t, edgeConfig), ExtProcOptions{
			DefaultNetwork: "ext",
			MaxBodySize:    16,
			Observer:       obs,
			Logger:         zaptest.NewLogger(t),
		})
	}

	t.Run("request over limit", func(t *testing.T) {
		obs := &countingObserver{}
		stream := newMockStream(
			requestHeaders(false, "content-type", "application/json"),
			requestBodyChunk(strings.Repeat("a", 10), false),
			requestBodyChunk(strings.Repeat("b", 10), true),
		)
		require.NoError(t, newServer(obs).Process(stream))
		require.Len(t, stream.responses, 3)
		assert.NotNil(t, stream.responses[1].GetRequestBody())

		imm := stream.responses[2].GetImmediateResponse()
		require.NotNil(t, imm)
		assert.Equal(t, 413, int(imm.GetStatus().GetCode()))
		assert.Contains(t, string(imm.GetBody()), "request_payload_too_large")
		assert.Equal(t, []string{types.ContentTypeProblemJSON}, setHeaderValues(imm.GetHeaders())["content-type"])
		assert.Equal(t, []string{"body_too_large"}, obs.errors)
		assert.Empty(t, obs.outcomes)
	})

	t.Run("response over limit", func(t *testing.T) {
		stream := newMockStream(
			requestHeaders(true),
			responseHeaders(false, ":status", "200", "content-type", "application/json"),
			responseBody(strings.Repeat("x", 17)),
		)
		require.NoError(t, newServer(nil).Process(stream))
		require.Len(t, stream.responses, 3)

		imm := stream.responses[2].GetImmediateResponse()
		require.NotNil(t, imm)
		assert.Equal(t, 500, int(imm.GetStatus().GetCode()))
		assert.Contains(t, string(imm.GetBody()), "response_payload_too_large")
	})

	t.Run("at limit", func(t *testing.T) {
		body := `{"supi":"imsi-1"}`[:16]
		stream := newMockStream(
			requestHeaders(false, "content-type", "text/plain"),
			requestBody(body),
		)
		require.NoError(t, newServer(nil).Process(stream))
		require.Len(t, stream.responses, 2)
		assert.Nil(t, stream.responses[1].GetImmediateResponse())
		assert.NotNil(t, stream.responses[1].GetRequestBody())
	})
}
