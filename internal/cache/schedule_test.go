package cache

import (
	"context"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"*/30 * * * *", false},
		{"0 3 * * *", false},
		{"@every 30m", false},
		{"@hourly", false},
		{"", true},
		{"* * *", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := ParseSchedule(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}

func TestScheduler_RejectsBadInput(t *testing.T) {
	s := NewScheduler(nil, nil)
	if err := s.ScheduleWarm("not a schedule", NewWarmer(&mockRefresher{}, nil), func() []Target { return nil }); err == nil {
		t.Error("ScheduleWarm() invalid spec error = nil")
	}
	if err := s.SchedulePrune("@daily", nil, 0); err == nil {
		t.Error("SchedulePrune() zero max age error = nil")
	}
}

func TestScheduler_RunsWarm(t *testing.T) {
	r := &mockRefresher{}
	s := NewScheduler(time.UTC, nil)
	targets := func() []Target { return []Target{{Date: "2025-04-10", Source: "NASA_FIRMS"}} }
	if err := s.ScheduleWarm("@every 1s", NewWarmer(r, nil), targets); err != nil {
		t.Fatalf("ScheduleWarm() error = %v", err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.calls)
		r.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		t.Fatal("scheduled warm never ran")
	}
}
