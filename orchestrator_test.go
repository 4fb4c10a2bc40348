package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSender scripts per-recipient outcomes and records every batch request
type mockSender struct {
	mu       sync.Mutex
	requests []*BatchRequest
	failures map[string]string
	err      error
	block    chan bool
}

func newMockSender() *mockSender {
	return &mockSender{failures: map[string]string{}}
}

func (m *mockSender) SendBatch(ctx context.Context, request *BatchRequest) ([]RecipientResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, request)
	m.mu.Unlock()

	if m.block != nil {
		<-m.block
	}
	if m.err != nil {
		return nil, m.err
	}

	results := make([]RecipientResult, len(request.To))
	for i, addr := range request.To {
		if reason, failed := m.failures[addr]; failed {
			results[i] = RecipientResult{Address: addr, Outcome: OutcomeFailed, Reason: reason}
		} else {
			results[i] = RecipientResult{Address: addr, Outcome: OutcomeSent, ExternalID: "wamid." + addr}
		}
	}
	return results, nil
}

func (m *mockSender) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func newTextOrchestrator(sender Sender, lookup HistoryLookup, addresses string, text string) *Orchestrator {
	registry := NewRegistry()
	registry.AddFromText(addresses)
	orchestrator := NewOrchestrator(registry, lookup, sender)
	orchestrator.ComposeText(text)
	return orchestrator
}

func eligibleLookup(addresses ...string) *mapHistory {
	byAddr := map[string][]InboundEvent{}
	for _, addr := range addresses {
		byAddr[addr] = []InboundEvent{{Address: addr, ReceivedOn: time.Now().Add(-time.Hour)}}
	}
	return &mapHistory{byAddr: byAddr}
}

func TestSendRejectsEmptySelection(t *testing.T) {
	sender := newMockSender()
	orchestrator := newTextOrchestrator(sender, eligibleLookup(), "", "hello")

	report, err := orchestrator.Send(context.Background())
	assert.Nil(t, report)
	assert.Equal(t, ErrNoRecipients, err)
	assert.Equal(t, StateRejected, orchestrator.State())
	assert.Equal(t, 0, sender.requestCount())
}

func TestSendRejectsEmptyText(t *testing.T) {
	sender := newMockSender()
	orchestrator := newTextOrchestrator(sender, eligibleLookup("923003000000"), "923003000000", "   ")

	_, err := orchestrator.Send(context.Background())
	assert.Equal(t, ErrNoMessageText, err)
	assert.Equal(t, 0, sender.requestCount())
}

func TestSendRejectsPartialEligibility(t *testing.T) {
	sender := newMockSender()

	// A has a recent inbound, B has no history at all
	lookup := eligibleLookup("923003000000")
	lookup.byAddr["923004000000"] = nil

	orchestrator := newTextOrchestrator(sender, lookup, "923003000000 923004000000", "hello")

	report, err := orchestrator.Send(context.Background())
	assert.Nil(t, report)

	eligibilityErr := &EligibilityError{}
	require.ErrorAs(t, err, &eligibilityErr)
	assert.True(t, eligibilityErr.Partial)
	assert.Equal(t, []string{"923004000000"}, eligibilityErr.Ineligible)

	// nothing was sent, compose state and selection are untouched
	assert.Equal(t, 0, sender.requestCount())
	assert.Equal(t, "hello", orchestrator.Text())
	assert.Len(t, orchestrator.Registry().Selected(), 2)
}

func TestSendRejectsNoEligible(t *testing.T) {
	sender := newMockSender()
	lookup := &mapHistory{byAddr: map[string][]InboundEvent{}}
	orchestrator := newTextOrchestrator(sender, lookup, "923003000000 923004000000", "hello")

	_, err := orchestrator.Send(context.Background())

	eligibilityErr := &EligibilityError{}
	require.ErrorAs(t, err, &eligibilityErr)
	assert.False(t, eligibilityErr.Partial)
	assert.Equal(t, []string{"923003000000", "923004000000"}, eligibilityErr.Ineligible)
	assert.Equal(t, 0, sender.requestCount())
}

func TestSendRejectsIncompleteBindings(t *testing.T) {
	sender := newMockSender()
	registry := NewRegistry()
	registry.AddFromText("923003000000")

	orchestrator := NewOrchestrator(registry, eligibleLookup(), sender)
	orchestrator.SelectTemplate(&Template{
		Name:     "order_update",
		Language: "en_US",
		Components: []Component{
			{Type: ComponentBody, Text: "Order {{1}} ships {{3}}"},
		},
	})
	orchestrator.SetBinding(1, "55")

	_, err := orchestrator.Send(context.Background())

	bindingsErr := &IncompleteBindingsError{}
	require.ErrorAs(t, err, &bindingsErr)
	assert.Equal(t, []int{3}, bindingsErr.Missing)
	assert.Equal(t, 0, sender.requestCount())
}

func TestSendTemplateFullSuccess(t *testing.T) {
	sender := newMockSender()
	registry := NewRegistry()
	registry.AddFromText("923003000000 923004000000")

	orchestrator := NewOrchestrator(registry, eligibleLookup(), sender)
	orchestrator.SelectTemplate(&Template{
		Name:     "order_update",
		Language: "en_US",
		Components: []Component{
			{Type: ComponentBody, Text: "Order {{1}} arrives {{2}}"},
		},
	})
	orchestrator.SetBinding(1, "55")
	orchestrator.SetBinding(2, "Aug 10")

	report, err := orchestrator.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchFullSuccess, report.Class)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, StateReconciled, orchestrator.State())

	// the request carried the bound parameter blocks in index order
	require.Equal(t, 1, sender.requestCount())
	request := sender.requests[0]
	assert.Equal(t, MsgTypeTemplate, request.Type)
	assert.Equal(t, "order_update", request.TemplateName)
	assert.Equal(t, "en_US", request.Language)
	require.Len(t, request.Components, 1)
	assert.Equal(t, "body", request.Components[0].Type)
	assert.Equal(t, []Param{{Type: "text", Text: "55"}, {Type: "text", Text: "Aug 10"}}, request.Components[0].Parameters)

	// on success bindings are cleared and every sent recipient deselected
	assert.Empty(t, orchestrator.Bindings())
	assert.Empty(t, registry.Selected())
}

func TestSendTextPartialSuccess(t *testing.T) {
	sender := newMockSender()
	sender.failures["923005000000"] = "invalid number"

	lookup := eligibleLookup("923003000000", "923004000000", "923005000000")
	orchestrator := newTextOrchestrator(sender, lookup, "923003000000 923004000000 923005000000", "hello")

	report, err := orchestrator.Send(context.Background())
	require.NoError(t, err)

	assert.Equal(t, BatchPartialSuccess, report.Class)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)

	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "923005000000", failures[0].Address)
	assert.Equal(t, "invalid number", failures[0].Reason)

	// compose state is cleared, succeeded recipients deselected, the failed one stays selected
	assert.Equal(t, "", orchestrator.Text())
	selected := orchestrator.Registry().Selected()
	require.Len(t, selected, 1)
	assert.Equal(t, "923005000000", selected[0].Address)
}

func TestSendTotalFailurePreservesCompose(t *testing.T) {
	sender := newMockSender()
	sender.failures["923003000000"] = "recipient blocked"
	sender.failures["923004000000"] = "recipient blocked"

	lookup := eligibleLookup("923003000000", "923004000000")
	orchestrator := newTextOrchestrator(sender, lookup, "923003000000 923004000000", "hello")

	report, err := orchestrator.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchTotalFailure, report.Class)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 2, report.Failed)

	// nothing succeeded so the user can retry without re-entering anything
	assert.Equal(t, "hello", orchestrator.Text())
	assert.Len(t, orchestrator.Registry().Selected(), 2)
}

func TestSendTransportErrorFailsEveryRecipient(t *testing.T) {
	sender := newMockSender()
	sender.err = errors.New("connection refused")

	lookup := eligibleLookup("923003000000", "923004000000")
	orchestrator := newTextOrchestrator(sender, lookup, "923003000000 923004000000", "hello")

	report, err := orchestrator.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchTotalFailure, report.Class)
	require.Len(t, report.Results, 2)
	for _, result := range report.Results {
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, "connection refused", result.Reason)
	}
	assert.Equal(t, "hello", orchestrator.Text())
}

func TestSendRejectsConcurrentDispatch(t *testing.T) {
	sender := newMockSender()
	sender.block = make(chan bool)

	lookup := eligibleLookup("923003000000")
	orchestrator := newTextOrchestrator(sender, lookup, "923003000000", "hello")

	firstDone := make(chan bool)
	go func() {
		orchestrator.Send(context.Background())
		close(firstDone)
	}()

	// wait until the first send is in flight
	for !orchestrator.Sending() {
		time.Sleep(time.Millisecond)
	}

	_, err := orchestrator.Send(context.Background())
	assert.Equal(t, ErrSendInProgress, err)

	close(sender.block)
	<-firstDone
	assert.False(t, orchestrator.Sending())
}

func TestSelectTemplateClearsBindings(t *testing.T) {
	orchestrator := NewOrchestrator(NewRegistry(), eligibleLookup(), newMockSender())
	orchestrator.SelectTemplate(&Template{Name: "a", Components: []Component{{Type: ComponentBody, Text: "{{1}}"}}})
	orchestrator.SetBinding(1, "x")
	require.Len(t, orchestrator.Bindings(), 1)

	orchestrator.SelectTemplate(&Template{Name: "b", Components: []Component{{Type: ComponentBody, Text: "{{1}}"}}})
	assert.Empty(t, orchestrator.Bindings())
}

func TestPreview(t *testing.T) {
	orchestrator := NewOrchestrator(NewRegistry(), eligibleLookup(), newMockSender())
	assert.Nil(t, orchestrator.Preview())

	orchestrator.SelectTemplate(&Template{
		Name:       "order_update",
		Components: []Component{{Type: ComponentBody, Text: "Order {{1}} arrives {{2}}"}},
	})
	orchestrator.SetBinding(1, "55")

	preview := orchestrator.Preview()
	require.Len(t, preview, 1)
	assert.Equal(t, "Order 55 arrives {{2}}", preview[0].Text)
}
