// Package engine runs the screening and routing rules of a filter
// configuration over the request and response of each HTTP transaction.
//
// An Engine holds the compiled configuration and the collaborators shared by
// all streams. Each transaction gets its own Transaction, which owns the
// variable store, the messages and the routing decision; a Transaction is
// used by one goroutine at a time.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/lookup"
	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/selection"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// Recorder receives counters of the screening work. Implementations must be
// safe for concurrent use.
type Recorder interface {
	PhaseCompleted(phase string, stopped bool)
	ActionExecuted(kind string)
	LocalReply(status int, details string)
	Lookup(kind, outcome string)
	EventReported(eventType, severity string)
}

type nopRecorder struct{}

func (nopRecorder) PhaseCompleted(string, bool) {}
func (nopRecorder) ActionExecuted(string) {}
func (nopRecorder) LocalReply(int, string) {}
func (nopRecorder) Lookup(string, string) {}
func (nopRecorder) EventReported(string, string) {}

// Event is a screening event raised by report_event.
type Event struct {
	MessageID  types.MessageID
	Time       time.Time
	Type       types.EventType
	Category   types.EventCategory
	Severity   types.EventSeverity
	Action     types.EventAction
	Text       string
	FilterCase string
	Network    string
}

// EventSink stores reported events. A failing sink is logged and never
// affects the message.
type EventSink interface {
	ReportEvent(ctx context.Context, ev Event) error
}

// Options configures an Engine. Zero values select no lookups, a
// clock-seeded random source, a no-op logger and no-op recorder.
type Options struct {
	Lookups       lookup.Client
	LookupTimeout time.Duration
	Rand          selection.Rand
	Logger        *zap.Logger
	Recorder      Recorder
	Events        EventSink
}

// Engine is shared by all transactions.
type Engine struct {
	cfg           *rules.Config
	lookups       lookup.Client
	lookupTimeout time.Duration
	selector      *selection.Selector
	log           *zap.Logger
	rec           Recorder
	events        EventSink
}

// New returns an Engine over a compiled configuration.
func New(cfg *rules.Config, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	timeout := opts.LookupTimeout
	if timeout <= 0 {
		timeout = lookup.DefaultTimeout
	}
	return &Engine{
		cfg:           cfg,
		lookups:       opts.Lookups,
		lookupTimeout: timeout,
		selector:      selection.NewSelector(opts.Rand),
		log:           log,
		rec:           rec,
		events:        opts.Events,
	}
}

// Config returns the compiled configuration.
func (e *Engine) Config() *rules.Config {
	return e.cfg
}

// NewTransaction starts a transaction that entered through network.
func (e *Engine) NewTransaction(network string) *Transaction {
	id := types.NewMessageID()
	return &Transaction{
		e:             e,
		id:            id,
		network:       network,
		log:           e.log.With(zap.String("msg_id", string(id)), zap.String("network", network)),
		vars:          rules.NewVars(),
		responseStart: types.PhaseScreening4,
	}
}
