package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/lookup"
	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/selection"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

const (
	lookupSLF = "slf"
	lookupNLF = "nf_discovery"
)

// pause starts req and suspends the interpreter until it completes. resolve
// runs on the interpreter goroutine with the result.
func (t *Transaction) pause(ctx context.Context, kind string, req lookup.Request, resolve func(lookup.Result) actionOutcome) actionOutcome {
	var done <-chan lookup.Result
	if t.e.lookups == nil {
		ch := make(chan lookup.Result, 1)
		ch <- lookup.Result{Err: types.ErrLookupFailed}
		done = ch
	} else {
		done = lookup.Start(ctx, t.e.lookups, req)
	}
	t.pending = &pendingLookup{kind: kind, done: done, resolve: resolve}
	return pauseIteration()
}

func (t *Transaction) lookupTimeout(ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return t.e.lookupTimeout
}

func (t *Transaction) slfLookup(ctx context.Context, a *types.SlfLookupAction) actionOutcome {
	id, ok := t.vars.Get(a.QueryIDVar)
	if !ok || id.Kind != rules.KindString {
		t.e.rec.Lookup(lookupSLF, "id_missing")
		t.log.Debug("slf lookup without identity", zap.String("var", a.QueryIDVar))
		return gotoOrNext(a.FcIDMissing)
	}

	req := lookup.Request{
		Authority:    lookup.AuthoritySLF,
		PathAndQuery: lookup.SlfPath(t.e.cfg.NslfAPIRoot, a.QueryIDType, id.Str),
		Header:       lookup.Headers(t.e.cfg.NodeType, a.NrfGroupName, t.req.Headers),
		Timeout:      t.lookupTimeout(a.TimeoutMs),
	}
	return t.pause(ctx, lookupSLF, req, func(res lookup.Result) actionOutcome {
		region, outcome := lookup.SlfRegion(res.Response, res.Err)
		t.e.rec.Lookup(lookupSLF, outcome.String())
		t.log.Debug("slf lookup done",
			zap.Stringer("outcome", outcome),
			zap.String("region", region),
			zap.Error(res.Err))

		switch outcome {
		case lookup.SlfFound:
			t.vars.Set(a.DestinationVariable, rules.StringValue(region))
			return next()
		case lookup.SlfLookupFailure:
			return gotoOrNext(a.FcLookupFailure)
		case lookup.SlfIDNotFound:
			return gotoOrNext(a.FcIDNotFound)
		case lookup.SlfDestUnknown:
			return gotoOrNext(a.FcDestUnknown)
		}
		return next()
	})
}

func (t *Transaction) nfDiscovery(ctx context.Context, a *types.NfDiscoveryAction, ipv types.IPVersion) actionOutcome {
	r := t.env()
	add := make([]lookup.Param, 0, len(a.AddParametersIfMissing))
	for _, p := range a.AddParametersIfMissing {
		add = append(add, lookup.Param{Key: p.Key, Value: r.Resolve(p.Value)})
	}
	query := lookup.DiscoveryQuery(t.req.Headers, lookup.QueryOptions{
		UseAll:       a.UseAllParameters,
		Use:          a.UseParameters,
		AddIfMissing: add,
	})

	req := lookup.Request{
		Authority:    lookup.AuthorityNLF,
		PathAndQuery: lookup.DiscoveryPath(t.e.cfg.NodeType, query),
		Header:       lookup.Headers(t.e.cfg.NodeType, a.NrfGroupName, t.req.Headers),
		Timeout:      t.lookupTimeout(a.TimeoutMs),
	}
	return t.pause(ctx, lookupNLF, req, func(res lookup.Result) actionOutcome {
		if reply, failed := lookup.DiscoveryFailure(res.Response, res.Err); failed {
			t.e.rec.Lookup(lookupNLF, "failure")
			t.log.Debug("discovery failed", zap.Int("status", reply.Status), zap.Error(res.Err))
			return t.localReply(reply)
		}

		d, err := selection.Parse(res.Response.Body)
		if err != nil {
			t.e.rec.Lookup(lookupNLF, "unusable")
			return t.discoveryReply(err)
		}
		t.e.rec.Lookup(lookupNLF, "ok")
		t.discovery = d
		t.ipVersion = ipv

		sel := a.NfSelectionOnPriority
		if sel == nil {
			return next()
		}
		picked, err := t.e.selector.SelectOnPriority(d, ipv, t.preferredDiscoveryHost(sel))
		if err != nil {
			return t.discoveryReply(err)
		}
		if picked.Host != "" {
			t.vars.Set(sel.VarNamePreferredHost, rules.StringValue(picked.Host))
		}
		if picked.NfSetID != "" {
			t.vars.Set(sel.VarNameNfSet, rules.StringValue(picked.NfSetID))
			t.nfSetID = picked.NfSetID
		}
		t.producer = picked
		t.log.Debug("nf selected on priority",
			zap.String("host", picked.Host),
			zap.String("nf_set", picked.NfSetID),
			zap.Uint64("priority", picked.Priority))
		return next()
	})
}

// preferredDiscoveryHost is the host:port of the request's target-api-root,
// else the value the preferred-host variable already holds.
func (t *Transaction) preferredDiscoveryHost(sel *types.NfSelectionOnPriority) string {
	if tar, ok := t.req.Headers.First(headerTargetAPIRoot); ok {
		if host, _ := hostAndPort(tar); host != "" {
			return host
		}
	}
	return t.vars.Text(sel.VarNamePreferredHost)
}

func (t *Transaction) discoveryReply(err error) actionOutcome {
	t.log.Debug("discovery result unusable", zap.Error(err))
	if errors.Is(err, types.ErrMalformedDiscovery) {
		return t.localReply(types.ProblemDiscoveryMalformed.Reply())
	}
	return t.localReply(types.ProblemDiscoveryEmpty.Reply())
}
