package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/jsonops"
	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// execute runs one action against the current message.
func (t *Transaction) execute(ctx context.Context, a *rules.Action) actionOutcome {
	t.e.rec.ActionExecuted(a.Kind.String())
	spec := a.Spec

	switch a.Kind {
	case rules.ActionAddHeader:
		return t.addHeader(spec.AddHeader)
	case rules.ActionRemoveHeader:
		t.current.Headers.Remove(spec.RemoveHeader.Name)
		return touched()
	case rules.ActionModifyHeader:
		return t.modifyHeader(spec.ModifyHeader, a.Modifiers)
	case rules.ActionModifyQueryParam:
		return t.modifyQueryParam(spec.ModifyQueryParam, a.Modifiers)
	case rules.ActionRemoveQueryParam:
		return t.removeQueryParam(spec.RemoveQueryParam)
	case rules.ActionTransformURI:
		return t.transformURI(spec.TransformURI, a.Modifiers)
	case rules.ActionCreateBody:
		t.current.ReplaceBody([]byte(spec.CreateBody.Content))
		if spec.CreateBody.ContentType != "" {
			t.current.Headers.Set(headerContentType, spec.CreateBody.ContentType)
		}
		return touched()
	case rules.ActionModifyJSONBody:
		return t.modifyJSONBody(spec.ModifyJSONBody, a.Modifiers)
	case rules.ActionModifyVariable:
		return t.modifyVariable(spec.ModifyVariable)
	case rules.ActionLog:
		lg := spec.Log
		text := t.logText(lg.LogValues, lg.MaxLogMessageLength)
		if ce := t.log.Check(a.LogLevel, text); ce != nil {
			ce.Write(zap.Stringer("phase", t.phase), zap.String("filter_case", t.fc.Name))
		}
		return next()
	case rules.ActionReportEvent:
		return t.reportEvent(ctx, spec.ReportEvent, a.Event)
	case rules.ActionRouteToPool:
		return t.routeToPool(spec.RouteToPool, a.Behaviour)
	case rules.ActionRouteToRoamingPartner:
		return t.routeToRoamingPartner(spec.RouteToRoamingPartner, a.Pool, a.Behaviour)
	case rules.ActionRejectMessage:
		return t.rejectMessage(spec.RejectMessage)
	case rules.ActionDropMessage:
		t.dropped = true
		t.log.Info("message dropped",
			zap.Stringer("phase", t.phase),
			zap.String("filter_case", t.fc.Name))
		return stopIteration()
	case rules.ActionModifyStatusCode:
		return t.modifyStatusCode(spec.ModifyStatusCode)
	case rules.ActionSlfLookup:
		return t.slfLookup(ctx, spec.SlfLookup)
	case rules.ActionNfDiscovery:
		return t.nfDiscovery(ctx, spec.NfDiscovery, a.IPVersion)
	case rules.ActionGotoFilterCase:
		return gotoCase(spec.GotoFilterCase)
	case rules.ActionExitFilterCase:
		return exitCase()
	}
	panic(fmt.Sprintf("engine: unhandled action kind %s", a.Kind))
}

// values renders a value source. A header source yields every value of the
// header; other sources yield exactly one value.
func (t *Transaction) values(v types.Value) []string {
	if v.Header != "" && v.String == nil && v.Var == "" {
		return t.current.Headers.Get(v.Header)
	}
	return []string{t.env().Resolve(v)}
}

func (t *Transaction) addHeader(a *types.AddHeaderAction) actionOutcome {
	vals := t.values(a.Value)
	h := t.current.Headers
	if !h.Has(a.Name) {
		for _, v := range vals {
			h.Add(a.Name, v)
		}
		return touched()
	}
	switch a.IfExists {
	case rules.IfExistsAdd:
		for _, v := range vals {
			h.Add(a.Name, v)
		}
	case rules.IfExistsReplace:
		h.SetValues(a.Name, vals)
	default:
		return next()
	}
	return touched()
}

func (t *Transaction) modifyHeader(a *types.ModifyHeaderAction, mods *jsonops.Pipeline) actionOutcome {
	h := t.current.Headers
	if !h.Has(a.Name) {
		return next()
	}
	r := t.env()
	if a.ReplaceValue != nil {
		h.Set(a.Name, r.Resolve(*a.ReplaceValue))
		return touched()
	}

	old := h.Get(a.Name)
	vals := make([]string, 0, len(old))
	for _, v := range old {
		if a.PrependValue != nil {
			v = r.Resolve(*a.PrependValue) + v
		}
		if a.AppendValue != nil {
			v += r.Resolve(*a.AppendValue)
		}
		if mods.Len() > 0 {
			out, err := mods.Apply(v, r)
			if err != nil {
				return t.modifierFailed("modify_header", err)
			}
			v = out
		}
		vals = append(vals, v)
	}
	h.SetValues(a.Name, vals)
	return touched()
}

// modifierFailed maps a failed string modifier pipeline to its outcome.
func (t *Transaction) modifierFailed(action string, err error) actionOutcome {
	t.log.Debug("string modifiers failed", zap.String("action", action), zap.Error(err))
	if fc, ok := jsonops.UnsuccessfulFilterCase(err); ok {
		return gotoCase(fc)
	}
	return next()
}

// requestPath returns the request and its :path. Query and URI actions
// only ever rewrite the request; ok is false when there is none to rewrite.
func (t *Transaction) requestPath() (req *message.Message, path string, ok bool) {
	if t.req == nil {
		return nil, "", false
	}
	path, ok = t.req.Headers.First(":path")
	return t.req, path, ok
}

func (t *Transaction) removeQueryParam(a *types.RemoveQueryParamAction) actionOutcome {
	req, _, ok := t.requestPath()
	if !ok {
		return next()
	}
	q := req.Query()
	removed := false
	for _, k := range a.KeyNames {
		if q.Has(k) {
			q.Remove(k)
			removed = true
		}
	}
	if !removed {
		return next()
	}
	req.SetQuery(q)
	return touched()
}

func (t *Transaction) modifyQueryParam(a *types.ModifyQueryParamAction, mods *jsonops.Pipeline) actionOutcome {
	req, _, ok := t.requestPath()
	if !ok {
		return next()
	}
	q := req.Query()
	v, ok := q.Get(a.KeyName)
	if !ok {
		return next()
	}
	r := t.env()
	if a.ReplaceValue != nil {
		v = r.Resolve(*a.ReplaceValue)
	}
	if mods.Len() > 0 {
		out, err := mods.Apply(v, r)
		if err != nil {
			return t.modifierFailed("modify_query_param", err)
		}
		v = out
	}
	q.Set(a.KeyName, v)
	req.SetQuery(q)
	return touched()
}

func (t *Transaction) transformURI(a *types.TransformURIAction, mods *jsonops.Pipeline) actionOutcome {
	req, full, ok := t.requestPath()
	if !ok {
		return next()
	}
	path, rawQuery, _ := message.SplitPath(full)
	r := t.env()
	if a.ReplaceValue != nil {
		path = r.Resolve(*a.ReplaceValue)
	}
	if mods.Len() > 0 {
		out, err := mods.Apply(path, r)
		if err != nil {
			return t.modifierFailed("transform_uri", err)
		}
		path = out
	}
	rewritten := message.JoinPath(path, rawQuery)
	if rewritten == full {
		return next()
	}
	req.Headers.Set(":path", rewritten)
	return touched()
}

func (t *Transaction) modifyVariable(a *types.ModifyVariableAction) actionOutcome {
	if a.TableLookup == nil {
		return next()
	}
	key := t.env().Resolve(a.TableLookup.Key)
	var val string
	if table, ok := t.e.cfg.Table(a.TableLookup.TableName); ok {
		val = table[key]
	}
	t.vars.Set(a.Name, rules.StringValue(val))
	return next()
}

// jsonValue renders a JSON-valued source.
func (t *Transaction) jsonValue(v types.JSONValue) ([]byte, error) {
	if v.Var != "" {
		val, _ := t.vars.Get(v.Var)
		return val.MarshalValue()
	}
	return []byte(v.JSONString), nil
}

func (t *Transaction) modifyJSONBody(a *types.ModifyJSONBodyAction, mods *jsonops.Pipeline) actionOutcome {
	body := t.current.Body
	if !body.Present() {
		return next()
	}
	r := t.env()
	op := a.JSONOperation
	raw := body.Bytes()

	var (
		out []byte
		err error
	)
	switch {
	case op.AddToJSON != nil:
		var value []byte
		if value, err = t.jsonValue(op.AddToJSON.Value); err == nil {
			out, err = jsonops.AddToJSON(raw, r.Resolve(op.AddToJSON.JSONPointer), value, jsonops.AddOptions{
				CreatePath:     op.AddToJSON.IfPathNotExists == jsonops.PathCreate,
				ReplaceElement: op.AddToJSON.IfElementExists == jsonops.ElementReplace,
			})
		}
	case op.ReplaceInJSON != nil:
		var value []byte
		if value, err = t.jsonValue(op.ReplaceInJSON.Value); err == nil {
			out, err = jsonops.ReplaceInJSON(raw, r.Resolve(op.ReplaceInJSON.JSONPointer), value)
		}
	case op.RemoveFromJSON != nil:
		out, err = jsonops.RemoveFromJSON(raw, r.Resolve(op.RemoveFromJSON.JSONPointer))
	case op.ModifyJSONValue != nil:
		mv := op.ModifyJSONValue
		out, err = jsonops.ModifyValues(raw, r.Resolve(mv.JSONPointer), mv.EnableExceptionHandling, func(s string) (string, error) {
			return mods.Apply(s, r)
		})
		if fc, ok := jsonops.UnsuccessfulFilterCase(err); ok {
			return gotoCase(fc)
		}
	case op.JSONPatch != nil:
		var patch []byte
		if patch, err = t.jsonValue(*op.JSONPatch); err == nil {
			out, err = jsonops.ApplyPatch(raw, patch)
		}
	}

	if err != nil {
		t.log.Debug("json operation failed",
			zap.String("action", a.Name),
			zap.Stringer("phase", t.phase),
			zap.Error(err))
		switch {
		case errors.Is(err, types.ErrBodyTooLarge):
			return t.localReply(types.ProblemPayloadTooLarge.Reply())
		case errors.Is(err, types.ErrTableLookupMiss):
			return next()
		case t.phase.IsRequest():
			return t.localReply(types.ProblemRequestJSONOperation.Reply())
		default:
			return t.localReply(types.ProblemResponseJSONOperation.Reply())
		}
	}
	if string(out) != string(raw) {
		t.current.ReplaceBody(out)
	}
	return next()
}

// localReply ends the message with reply.
func (t *Transaction) localReply(reply types.LocalReply) actionOutcome {
	t.reply = &reply
	t.e.rec.LocalReply(reply.Status, reply.Details)
	t.log.Debug("local reply",
		zap.Int("status", reply.Status),
		zap.String("details", reply.Details),
		zap.Stringer("phase", t.phase))
	return stopIteration()
}

func (t *Transaction) rejectMessage(a *types.RejectMessageAction) actionOutcome {
	reply := types.LocalReply{Status: a.Status, Details: "direct_response"}
	if a.MessageFormat == rules.FormatPlainText {
		reply.ContentType = types.ContentTypeText
		reply.Body = a.Title
	} else {
		reply.ContentType = types.ContentTypeProblemJSON
		reply.Body = types.ProblemBody(a.Status, a.Title, a.Detail, a.Cause)
	}
	t.decision.set(mdInternalRejected, "true")
	t.decision.set(mdInternalRejectedBy, t.e.cfg.Name)
	return t.localReply(reply)
}

// modifyStatusCode rewrites the status of the current response. Without a
// title only an existing problem body is patched; with a title a problem
// body is patched or built, or the title becomes a plain text body.
func (t *Transaction) modifyStatusCode(a *types.ModifyStatusCodeAction) actionOutcome {
	h := t.current.Headers
	status := a.Status
	if status == 0 {
		status = statusOf(h)
	} else {
		h.Set(headerStatus, fmt.Sprint(status))
	}

	ct, _ := h.First(headerContentType)
	problem, isProblem := t.problemBody(ct)

	if a.Title == "" {
		if isProblem {
			problem["status"] = status
			if a.Detail != "" {
				problem["detail"] = a.Detail
			}
			if a.Cause != "" {
				problem["cause"] = a.Cause
			}
			t.setJSONBody(problem)
		}
		return touched()
	}

	if a.MessageFormat == rules.FormatPlainText {
		t.current.ReplaceBody([]byte(a.Title))
		h.Set(headerContentType, types.ContentTypeText)
		return touched()
	}
	if isProblem {
		problem["status"] = status
		problem["title"] = a.Title
		if a.Detail != "" {
			problem["detail"] = a.Detail
		}
		if a.Cause != "" {
			problem["cause"] = a.Cause
		}
		t.setJSONBody(problem)
	} else {
		t.current.ReplaceBody([]byte(types.ProblemBody(status, a.Title, a.Detail, a.Cause)))
	}
	h.Set(headerContentType, types.ContentTypeProblemJSON)
	return touched()
}

func (t *Transaction) problemBody(contentType string) (map[string]any, bool) {
	if contentType != types.ContentTypeProblemJSON {
		return nil, false
	}
	doc, ok := t.current.Body.JSON()
	if !ok {
		return nil, false
	}
	obj, ok := doc.(map[string]any)
	return obj, ok
}

func (t *Transaction) setJSONBody(doc any) {
	if err := t.current.Body.SetJSON(doc); err != nil {
		t.log.Warn("cannot encode body", zap.Error(err))
		return
	}
	t.current.ReplaceBody(t.current.Body.Bytes())
}
