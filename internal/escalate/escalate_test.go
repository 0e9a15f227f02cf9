package escalate

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeNotifier struct {
	err error
}

func (f *fakeNotifier) Notify(ctx context.Context, ticket Ticket) error {
	return f.err
}

func testTicket(severity string) Ticket {
	return Ticket{
		IncidentID:   "inc-1",
		SiteID:       "site-1",
		HostID:       "host-1",
		IncidentType: "firewall_status",
		Severity:     severity,
		CreatedAt:    time.Now(),
		Reason:       "no L1 rule matched",
	}
}

func TestEscalateCriticalRoutesToAllThreeChannels(t *testing.T) {
	e := New(map[string]Notifier{
		"pager": &fakeNotifier{},
		"chat":  &fakeNotifier{},
		"email": &fakeNotifier{},
	}, nil)

	record := e.Escalate(context.Background(), testTicket("critical"), time.Now())
	if len(record.Channels) != 3 {
		t.Fatalf("expected 3 channels for critical, got %d: %+v", len(record.Channels), record.Channels)
	}
	if !record.AnySent() {
		t.Error("expected at least one channel to have sent")
	}
}

func TestEscalateLowRoutesToEmailOnly(t *testing.T) {
	e := New(map[string]Notifier{"email": &fakeNotifier{}}, nil)
	record := e.Escalate(context.Background(), testTicket("low"), time.Now())
	if len(record.Channels) != 1 || record.Channels[0].Channel != "email" {
		t.Fatalf("expected only email channel, got %+v", record.Channels)
	}
}

func TestEscalateMissingChannelIsLoggedNotFatal(t *testing.T) {
	e := New(map[string]Notifier{"chat": &fakeNotifier{}}, nil)
	record := e.Escalate(context.Background(), testTicket("high"), time.Now())
	if len(record.Channels) != 2 {
		t.Fatalf("expected 2 channel attempts, got %d", len(record.Channels))
	}
	var sawPagerFailure bool
	for _, c := range record.Channels {
		if c.Channel == "pager" && !c.Sent {
			sawPagerFailure = true
		}
	}
	if !sawPagerFailure {
		t.Error("expected pager channel to be recorded as unreachable")
	}
}

func TestEscalateAllChannelsFailStillProducesRecord(t *testing.T) {
	e := New(map[string]Notifier{
		"pager": &fakeNotifier{err: errors.New("down")},
		"chat":  &fakeNotifier{err: errors.New("down")},
	}, nil)

	record := e.Escalate(context.Background(), testTicket("high"), time.Now())
	if record.AnySent() {
		t.Error("expected no channel to have sent")
	}
	if record.IncidentID != "inc-1" {
		t.Error("expected record to retain incident ID even with no successful channel")
	}
}

func TestPriorityFromSeverityDefaultsToMedium(t *testing.T) {
	if got := PriorityFromSeverity("unknown"); got != PriorityMedium {
		t.Errorf("PriorityFromSeverity(unknown) = %s, want medium", got)
	}
}
