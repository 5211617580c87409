package bus

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTopics_Unique(t *testing.T) {
	topics := []string{
		TopicTurnStarted, TopicTurnFinished,
		TopicProposalCreated, TopicProposalResolved,
		TopicRunStarted, TopicRunFinished, TopicRunBlocked,
		TopicScopeDenied, TopicOverrideChanged, TopicSessionState, TopicConfigReloaded,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestRunEvent_PrefixRouting(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunBlocked, RunEvent{CommandID: "lint", Status: "blocked", BlockedBy: "disabled-id"})
	b.Publish(TopicTurnStarted, TurnEvent{TurnID: "t1", Status: "running"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(RunEvent)
		if !ok || payload.BlockedBy != "disabled-id" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("turn event leaked to run subscriber: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEvent_JSONShape(t *testing.T) {
	raw, err := json.Marshal(Event{Topic: TopicProposalCreated, Payload: ProposalEvent{ProposalID: "p1", Status: "pending"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"topic":"proposal.created"`) || !strings.Contains(string(raw), `"proposalId":"p1"`) {
		t.Fatalf("unexpected json %s", raw)
	}
}
