// internal/engine/transaction.go
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/lookup"
	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/selection"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Transaction: the run context of one HTTP transaction.
 *
 * Phase order:
 *   request:  screening-1 -> routing -> screening-3
 *   response: screening-4 -> response-5 -> screening-6
 *
 * A request phase that ends with a local reply skips the remaining request
 * phases; the reply then runs through the response phases that apply to it:
 *   - reply from screening-1:     screening-6 only
 *   - reply from routing:         response-5, screening-6
 *   - reply from screening-3:     screening-4 onwards
 * A dropped message runs no further phase.
 *
 * Each phase walks its start filter cases in order. A filter case ends on
 * Exit or when no rule matches any more; the next start filter case then
 * runs. StopIteration ends the phase and every later phase of the same side.
 *
 * Lookups suspend the walk: the action starts the lookup and returns
 * PauseIteration, the driver waits on the completion channel (or the
 * context) and resumes with the outcome the lookup resolved to.
 */

const (
	headerVia           = "via"
	headerServer        = "server"
	headerXCluster      = "x-cluster"
	headerXHost         = "x-host"
	headerTargetAPIRoot = "3gpp-sbi-target-apiroot"
	headerProducerID    = "3gpp-sbi-producer-id"
	headerContentType   = "content-type"
	headerContentLength = "content-length"
	headerStatus        = ":status"
)

// pendingLookup is an outstanding lookup of a paused transaction.
type pendingLookup struct {
	kind    string
	done    <-chan lookup.Result
	resolve func(lookup.Result) actionOutcome
}

// Transaction is the run context of one request and its response.
type Transaction struct {
	e       *Engine
	id      types.MessageID
	network string
	log     *zap.Logger

	vars *rules.Vars

	req      *message.Message
	resp     *message.Message
	origReq  *message.Headers
	origResp *message.Headers

	phase   types.Phase
	current *message.Message
	fc      *rules.FilterCase

	decision Decision

	discovery *selection.Discovery
	ipVersion types.IPVersion
	nfSetID   string
	producer  selection.Selected
	tarSeen   bool

	reply         *types.LocalReply
	replyPhase    types.Phase
	dropped       bool
	responseStart types.Phase

	pending *pendingLookup
}

// ID returns the message id.
func (t *Transaction) ID() types.MessageID { return t.id }

// Decision returns the routing decision made so far.
func (t *Transaction) Decision() *Decision { return &t.decision }

// Vars returns the variable store.
func (t *Transaction) Vars() *rules.Vars { return t.vars }

// ProcessRequest runs the request phases over req. req is mutated in place.
// The only error is the context error when ctx ends while a lookup is
// outstanding.
func (t *Transaction) ProcessRequest(ctx context.Context, req *message.Message) (Outcome, error) {
	t.req = req
	t.origReq = req.Headers.Clone()
	t.vars.SnapshotRequest(req.Headers)
	_, t.tarSeen = req.Headers.First(headerTargetAPIRoot)

	for _, phase := range []types.Phase{types.PhaseScreening1, types.PhaseRouting, types.PhaseScreening3} {
		stopped, err := t.runPhase(ctx, phase)
		if err != nil {
			return Outcome{}, err
		}
		if stopped {
			break
		}
		if phase == types.PhaseRouting {
			t.addVia(req.Headers)
		}
	}

	switch {
	case t.dropped:
		return Outcome{Kind: OutcomeDrop}, nil
	case t.reply != nil:
		return t.replyOutcome(ctx)
	}
	out := Outcome{
		Kind:     OutcomeContinue,
		Headers:  req.Headers.Diff(t.origReq),
		Metadata: t.decision.Metadata(),
	}
	if req.Body.Changed() {
		out.Body, out.BodyChanged = req.Body.Bytes(), true
	}
	return out, nil
}

// ProcessResponse runs the response phases over resp.
func (t *Transaction) ProcessResponse(ctx context.Context, resp *message.Message) (Outcome, error) {
	if t.req == nil {
		t.req = message.New(nil, nil)
		t.vars.SnapshotRequest(t.req.Headers)
	}
	t.resp = resp
	t.origResp = resp.Headers.Clone()

	if status := statusOf(resp.Headers); status >= 500 && !resp.Headers.Has(headerServer) {
		t.addVia(resp.Headers)
	}
	if err := t.runResponsePhases(ctx, t.responseStart); err != nil {
		return Outcome{}, err
	}

	switch {
	case t.dropped:
		return Outcome{Kind: OutcomeDrop}, nil
	case t.reply != nil:
		return Outcome{Kind: OutcomeLocalReply, Reply: *t.reply, Metadata: t.decision.Metadata()}, nil
	}
	out := Outcome{
		Kind:     OutcomeContinue,
		Headers:  resp.Headers.Diff(t.origResp),
		Metadata: t.decision.Metadata(),
	}
	if resp.Body.Changed() {
		out.Body, out.BodyChanged = resp.Body.Bytes(), true
	}
	return out, nil
}

func (t *Transaction) runResponsePhases(ctx context.Context, from types.Phase) error {
	for _, phase := range []types.Phase{types.PhaseScreening4, types.PhaseResponse5, types.PhaseScreening6} {
		if phase < from {
			continue
		}
		if phase == types.PhaseResponse5 {
			t.finalizeResponse()
			continue
		}
		stopped, err := t.runPhase(ctx, phase)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}
	return nil
}

// replyOutcome runs a request-side local reply through the response phases
// that apply to it and returns the reply as the host must send it.
func (t *Transaction) replyOutcome(ctx context.Context) (Outcome, error) {
	reply := *t.reply
	switch t.replyPhase {
	case types.PhaseScreening1:
		t.responseStart = types.PhaseScreening6
	case types.PhaseRouting:
		t.responseStart = types.PhaseResponse5
	default:
		t.responseStart = types.PhaseScreening4
	}

	h := message.NewHeaders(message.Header{Name: headerStatus, Value: strconv.Itoa(reply.Status)})
	if reply.ContentType != "" {
		h.Set(headerContentType, reply.ContentType)
	}
	resp := message.New(h, []byte(reply.Body))
	resp.Headers.Set(headerContentLength, strconv.Itoa(len(reply.Body)))
	orig := resp.Headers.Clone()

	// the reply is screened like an upstream response
	t.reply = nil
	t.resp = resp
	t.origResp = orig
	if err := t.runResponsePhases(ctx, t.responseStart); err != nil {
		return Outcome{}, err
	}
	if t.dropped {
		return Outcome{Kind: OutcomeDrop}, nil
	}
	if t.reply != nil {
		// a response-side failure replaces the screened reply
		return Outcome{Kind: OutcomeLocalReply, Reply: *t.reply, Metadata: t.decision.Metadata()}, nil
	}

	if s := statusOf(resp.Headers); s > 0 {
		reply.Status = s
	}
	reply.ContentType, _ = resp.Headers.First(headerContentType)
	reply.Body = resp.Body.String()

	var extra []message.Header
	resp.Headers.Each(func(name, value string) {
		if strings.HasPrefix(name, ":") || name == headerContentType || name == headerContentLength {
			return
		}
		extra = append(extra, message.Header{Name: name, Value: value})
	})
	return Outcome{Kind: OutcomeLocalReply, Reply: reply, ReplyHeaders: extra, Metadata: t.decision.Metadata()}, nil
}

// runPhase walks the start filter cases of phase. stopped reports a
// StopIteration.
func (t *Transaction) runPhase(ctx context.Context, phase types.Phase) (stopped bool, err error) {
	t.phase = phase
	if phase.IsRequest() {
		t.current = t.req
	} else {
		t.current = t.resp
	}
	defer func() {
		if err == nil {
			t.e.rec.PhaseCompleted(phase.String(), stopped)
		}
	}()

	for _, name := range t.e.cfg.StartCases(phase, t.network, t.decision.Cluster) {
		st, err := t.runCase(ctx, startState(name))
		if err != nil {
			return false, err
		}
		if st.step == stepStopped {
			if phase.IsRequest() && t.reply != nil && t.replyPhase == 0 {
				t.replyPhase = phase
			}
			return true, nil
		}
	}
	return false, nil
}

// runCase drives the state machine until the start filter case is done.
func (t *Transaction) runCase(ctx context.Context, st interpState) (interpState, error) {
	for !st.done() {
		switch st.step {
		case stepStartFilterCase:
			fc, ok := t.e.cfg.Case(st.fc)
			if !ok {
				t.log.Warn("unknown filter case", zap.String("filter_case", st.fc))
				st = st.exhausted()
				continue
			}
			t.fc = fc
			st = st.enter()

		case stepLoadFilterData:
			t.extract()
			st = st.loaded()

		case stepNextFilterRule:
			i, ok := t.fc.Match(t.env(), st.from)
			if !ok {
				st = st.exhausted()
				continue
			}
			t.log.Debug("rule matched",
				zap.Stringer("phase", t.phase),
				zap.String("filter_case", t.fc.Name),
				zap.String("rule", t.fc.Rules[i].Name))
			st = st.matched(i)

		case stepExecuteAction:
			rule := t.fc.Rules[st.rule]
			out := t.execute(ctx, rule.Actions[st.action])
			if out.touched {
				t.extract()
			}
			st = st.apply(out, len(rule.Actions))

		case stepPaused:
			out, err := t.await(ctx)
			if err != nil {
				return st, err
			}
			if out.touched {
				t.extract()
			}
			st = st.resume(out, len(t.fc.Rules[st.rule].Actions))

		default:
			return st, fmt.Errorf("interpreter in state %s", st.step)
		}
	}
	if st.loop {
		t.log.Warn("goto_filter_case depth exceeded", zap.String("filter_case", st.fc), zap.Int("gotos", st.gotos))
	}
	return st, nil
}

// await blocks until the pending lookup completes or ctx ends. A lookup
// abandoned by ctx delivers into its buffered channel and is discarded.
func (t *Transaction) await(ctx context.Context) (actionOutcome, error) {
	p := t.pending
	t.pending = nil
	if p == nil {
		return next(), nil
	}
	if err := ctx.Err(); err != nil {
		return actionOutcome{}, err
	}
	select {
	case res := <-p.done:
		return p.resolve(res), nil
	case <-ctx.Done():
		t.log.Debug("lookup abandoned", zap.String("lookup", p.kind), zap.Error(ctx.Err()))
		return actionOutcome{}, ctx.Err()
	}
}

func (t *Transaction) extract() {
	if t.fc == nil || t.current == nil {
		return
	}
	rules.Extract(t.fc.Data, rules.Input{Current: t.current, RequestPath: t.req.Path()}, t.vars)
}

// addVia appends this proxy to the via header.
func (t *Transaction) addVia(h *message.Headers) {
	node := "SCP"
	if t.e.cfg.NodeType == types.NodeSEPP {
		node = "SEPP"
	}
	h.Add(headerVia, "2.0 "+node+"-"+t.e.cfg.OwnFQDN)
}

// finalizeResponse adds the producer id of the NF instance selected by
// discovery. Not done for strict routing, redirects, or when the request
// carried no target-api-root.
func (t *Transaction) finalizeResponse() {
	t.phase = types.PhaseResponse5
	if t.resp == nil || t.producer.NfInstanceID == "" || !t.tarSeen {
		return
	}
	if t.decision.Routed && t.decision.Behaviour == types.RoutingStrict {
		return
	}
	if s := statusOf(t.resp.Headers); s == 307 || s == 308 {
		return
	}
	if t.resp.Headers.Has(headerProducerID) {
		return
	}
	v := "nfinst=" + t.producer.NfInstanceID
	if t.producer.NfSetID != "" {
		v += "; nfset=" + t.producer.NfSetID
	}
	t.resp.Headers.Set(headerProducerID, v)
}

func statusOf(h *message.Headers) int {
	s, ok := h.First(headerStatus)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// env is the condition view of a transaction.
type env struct{ t *Transaction }

func (t *Transaction) env() env { return env{t} }

func (e env) Var(name string) (rules.Value, bool) { return e.t.vars.Get(name) }

func (e env) ReqHeader(name string) []string {
	if e.t.req == nil {
		return nil
	}
	return e.t.req.Headers.Get(name)
}

func (e env) RespHeader(name string) []string {
	if e.t.resp == nil {
		return nil
	}
	return e.t.resp.Headers.Get(name)
}

func (e env) QueryParam(name string) (string, bool) {
	if e.t.req == nil {
		return "", false
	}
	return e.t.req.Query().Get(name)
}

func (e env) BodyIsValidJSON(request bool) bool {
	m := e.t.resp
	if request {
		m = e.t.req
	}
	return m != nil && m.Body.IsValidJSON()
}

// Resolve renders a value source against the current message.
func (e env) Resolve(v types.Value) string {
	switch {
	case v.String != nil:
		return *v.String
	case v.Var != "":
		return e.t.vars.Text(v.Var)
	case v.Header != "":
		if e.t.current == nil {
			return ""
		}
		s, _ := e.t.current.Headers.Joined(v.Header)
		return s
	}
	return ""
}

// Table returns a key-value table of the configuration.
func (e env) Table(name string) (map[string]string, bool) {
	return e.t.e.cfg.Table(name)
}
