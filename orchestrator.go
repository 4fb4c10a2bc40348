package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nyaruka/librato"
	"github.com/sirupsen/logrus"
	"github.com/waconsole/dispatch/events"
	"github.com/waconsole/dispatch/metrics"
)

// Sender is the transport primitive that carries one batch request and returns
// per-recipient results, ordered 1:1 with the request's recipients
type Sender interface {
	SendBatch(ctx context.Context, request *BatchRequest) ([]RecipientResult, error)
}

// OutcomeRecorder persists the per-recipient results of a reconciled batch
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, request *BatchRequest, results []RecipientResult) error
}

// DispatchState tracks where a send action is in its lifecycle
type DispatchState int32

const (
	StateIdle DispatchState = iota
	StateValidating
	StateSending
	StateReconciled
	StateRejected
)

func (s DispatchState) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateSending:
		return "sending"
	case StateReconciled:
		return "reconciled"
	case StateRejected:
		return "rejected"
	}
	return "idle"
}

// Orchestrator composes the recipient registry, session window evaluator and
// parameter binder into one send action per dispatch. Compose state is mutated
// only by the controller goroutine, the sending flag is the single concurrency
// gate: a dispatch attempted while one is in flight is rejected, not queued.
type Orchestrator struct {
	registry *Registry
	history  HistoryLookup
	sender   Sender

	recorder OutcomeRecorder
	events   events.Client

	sending int32
	state   int32

	mode     MsgType
	text     string
	template *Template
	bindings Bindings
}

// NewOrchestrator creates a new orchestrator over the passed in registry,
// history lookup and send transport
func NewOrchestrator(registry *Registry, history HistoryLookup, sender Sender) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		history:  history,
		sender:   sender,
		mode:     MsgTypeText,
		bindings: Bindings{},
	}
}

// SetRecorder wires an outcome recorder, nil disables recording
func (o *Orchestrator) SetRecorder(recorder OutcomeRecorder) {
	o.recorder = recorder
}

// SetEvents wires an outcome event publisher, nil disables publishing
func (o *Orchestrator) SetEvents(client events.Client) {
	o.events = client
}

// Registry returns the recipient registry of this compose session
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// ComposeText switches the session to text mode and sets the message text
func (o *Orchestrator) ComposeText(text string) {
	o.mode = MsgTypeText
	o.text = text
}

// Text returns the composed message text
func (o *Orchestrator) Text() string {
	return o.text
}

// SelectTemplate switches the session to template mode. Changing the selection
// always clears any previously bound parameter values.
func (o *Orchestrator) SelectTemplate(template *Template) {
	o.mode = MsgTypeTemplate
	o.template = template
	o.bindings = Bindings{}
}

// Template returns the selected template, nil if none
func (o *Orchestrator) Template() *Template {
	return o.template
}

// SetBinding sets the value for one placeholder index
func (o *Orchestrator) SetBinding(index int, value string) {
	o.bindings[fmt.Sprintf("%d", index)] = value
}

// Bindings returns the current parameter bindings
func (o *Orchestrator) Bindings() Bindings {
	return o.bindings
}

// Preview renders the selected template's components with the current bindings,
// leaving unbound placeholders as literal text
func (o *Orchestrator) Preview() []Component {
	if o.template == nil {
		return nil
	}
	return BindComponents(o.template.Components, o.bindings)
}

// Sending reports whether a batch send is currently in flight
func (o *Orchestrator) Sending() bool {
	return atomic.LoadInt32(&o.sending) == 1
}

// State returns the state of the most recent send action
func (o *Orchestrator) State() DispatchState {
	return DispatchState(atomic.LoadInt32(&o.state))
}

func (o *Orchestrator) setState(state DispatchState) {
	atomic.StoreInt32(&o.state, int32(state))
}

// Send validates the composed message against the selected recipients, issues
// one batch request and reconciles the per-recipient results. A non-nil error
// means the send was rejected before any network call, otherwise the report
// carries the full, partial or total outcome of the batch.
func (o *Orchestrator) Send(ctx context.Context) (*BatchReport, error) {
	if !atomic.CompareAndSwapInt32(&o.sending, 0, 1) {
		return nil, ErrSendInProgress
	}
	defer atomic.StoreInt32(&o.sending, 0)

	o.setState(StateValidating)

	request, err := o.validate(ctx)
	if err != nil {
		o.setState(StateRejected)
		return nil, err
	}

	log := logrus.WithField("comp", "orchestrator").
		WithField("batch_id", request.ID.String()).
		WithField("msg_type", string(request.Type)).
		WithField("recipients", len(request.To))

	o.setState(StateSending)
	start := time.Now()

	results, sendErr := o.sender.SendBatch(ctx, request)
	duration := time.Since(start)
	secondDuration := float64(duration) / float64(time.Second)

	if sendErr != nil {
		// transport failure, surfaced as a dispatch failure for every recipient in the batch
		log.WithError(sendErr).WithField("elapsed", duration).Error("transport error sending batch")
		results = make([]RecipientResult, len(request.To))
		for i, addr := range request.To {
			results[i] = RecipientResult{Address: addr, Outcome: OutcomeFailed, Reason: sendErr.Error()}
		}
	}

	report := reconcile(request.ID, results)
	o.setState(StateReconciled)

	metrics.IncBatchClass(string(report.Class))
	metrics.ObserveBatchSendDuration(string(request.Type), secondDuration)
	for _, res := range report.Results {
		metrics.IncRecipientResult(string(res.Outcome))
	}
	librato.Gauge(fmt.Sprintf("dispatch.batch_send_%s", report.Class), secondDuration)

	if report.Class == BatchTotalFailure {
		log.WithField("elapsed", duration).WithField("failed", report.Failed).Warning("batch failed")
	} else {
		log.WithField("elapsed", duration).
			WithField("sent", report.Sent).
			WithField("failed", report.Failed).
			Info("batch sent")
	}

	// on any success the compose state is cleared and the recipients that
	// succeeded are deselected, failed ones stay selected for a retry
	if report.Sent > 0 {
		if request.Type == MsgTypeText {
			o.text = ""
		} else {
			o.bindings = Bindings{}
		}
		for _, res := range report.Results {
			if res.Outcome == OutcomeSent {
				o.registry.Deselect(res.Address)
			}
		}
	}

	if o.recorder != nil {
		if err := o.recorder.RecordOutcome(ctx, request, report.Results); err != nil {
			log.WithError(err).Error("error recording batch outcome")
		}
	}
	o.publishOutcomes(request, report)

	return report, nil
}

// validate runs every pre-send check and builds the batch request, returning an
// error naming the offending recipients or parameters when any check fails
func (o *Orchestrator) validate(ctx context.Context) (*BatchRequest, error) {
	selected := o.registry.Selected()
	if len(selected) == 0 {
		metrics.IncBatchRejected("no_recipients")
		return nil, ErrNoRecipients
	}

	addresses := make([]string, len(selected))
	for i, recipient := range selected {
		addresses[i] = recipient.Address
	}

	request := &BatchRequest{ID: NewBatchID(), Type: o.mode, To: addresses}

	switch o.mode {
	case MsgTypeText:
		if strings.TrimSpace(o.text) == "" {
			metrics.IncBatchRejected("no_text")
			return nil, ErrNoMessageText
		}

		set := FilterEligible(ctx, addresses, o.history)
		if len(set.Eligible) == 0 {
			metrics.IncBatchRejected("no_eligible")
			return nil, &EligibilityError{Partial: false, Ineligible: set.Ineligible}
		}
		if len(set.Ineligible) > 0 {
			// eligibility filtering is advisory, we never silently restrict the
			// target set to the eligible subset on the caller's behalf
			metrics.IncBatchRejected("partial_eligibility")
			return nil, &EligibilityError{Partial: true, Ineligible: set.Ineligible}
		}
		request.Text = o.text

	case MsgTypeTemplate:
		if o.template == nil {
			metrics.IncBatchRejected("no_template")
			return nil, ErrNoTemplate
		}
		if missing := RequireComplete(o.template.Components, o.bindings); len(missing) > 0 {
			metrics.IncBatchRejected("incomplete_bindings")
			return nil, &IncompleteBindingsError{Missing: missing}
		}
		request.TemplateName = o.template.Name
		request.Language = o.template.Language
		request.Components = ParamBlocks(o.template.Components, o.bindings)

	default:
		metrics.IncBatchRejected("bad_type")
		return nil, fmt.Errorf("unknown message type: %s", o.mode)
	}

	return request, nil
}

func (o *Orchestrator) publishOutcomes(request *BatchRequest, report *BatchReport) {
	if o.events == nil {
		return
	}
	for _, res := range report.Results {
		routingKey := events.RoutingKeySent
		if res.Outcome == OutcomeFailed {
			routingKey = events.RoutingKeyFailed
		}
		msg := events.NewOutcomeMessage(
			request.ID.String(),
			res.Address,
			string(request.Type),
			request.TemplateName,
			request.Language,
			res.ExternalID,
			string(res.Outcome),
			res.Reason,
		)
		o.events.SendAsync(msg, routingKey, nil, nil)
	}
}
