package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// logText renders log values for log and report_event. Each part is cut to
// the remaining room; once the limit is reached, "..." marks that further
// parts were dropped.
func (t *Transaction) logText(values []types.LogValue, max int) string {
	if max <= 0 {
		max = types.DefaultMaxLogMessageLength
	}
	var b strings.Builder
	for _, v := range values {
		if b.Len() >= max {
			b.WriteString("...")
			break
		}
		part := t.logPart(v)
		if room := max - b.Len(); len(part) > room {
			part = part[:room]
		}
		b.WriteString(part)
	}
	return b.String()
}

func (t *Transaction) logPart(v types.LogValue) string {
	switch {
	case v.String != nil:
		return *v.String
	case v.Boolean != nil:
		return strconv.FormatBool(*v.Boolean)
	case v.Number != nil:
		return strconv.FormatFloat(*v.Number, 'g', -1, 64)
	case v.Var != "":
		return t.vars.Text(v.Var)
	case v.ReqHeader != "":
		if t.req == nil {
			return ""
		}
		return strings.Join(t.req.Headers.Get(v.ReqHeader), "")
	case v.RespHeader != "":
		if t.resp == nil {
			return ""
		}
		return strings.Join(t.resp.Headers.Get(v.RespHeader), "")
	case v.ReqBody:
		if t.req == nil {
			return ""
		}
		return t.req.Body.String()
	case v.RespBody:
		if t.resp == nil {
			return ""
		}
		return t.resp.Body.String()
	}
	return ""
}

// reportEvent emits a screening event to the log, the recorder and the
// event sink. It never changes the message.
func (t *Transaction) reportEvent(ctx context.Context, a *types.ReportEventAction, spec rules.EventSpec) actionOutcome {
	ev := Event{
		MessageID:  t.id,
		Time:       time.Now().UTC(),
		Type:       spec.Type,
		Category:   spec.Category,
		Severity:   spec.Severity,
		Action:     spec.Action,
		Text:       t.logText(a.EventMessageValues, a.MaxEventMessageLength),
		FilterCase: t.fc.Name,
		Network:    t.network,
	}

	t.log.Info(ev.Text,
		zap.String("event_type", ev.Type.String()),
		zap.String("event_category", ev.Category.String()),
		zap.String("event_severity", ev.Severity.String()),
		zap.String("event_action", ev.Action.String()),
		zap.String("filter_case", ev.FilterCase),
		zap.Stringer("phase", t.phase))
	t.e.rec.EventReported(ev.Type.String(), ev.Severity.String())

	if t.e.events != nil {
		if err := t.e.events.ReportEvent(ctx, ev); err != nil {
			t.log.Warn("storing event failed", zap.Error(err))
		}
	}
	return next()
}
