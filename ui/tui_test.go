package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestFormatAgo(t *testing.T) {
	now := time.Date(2024, time.March, 7, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		t        time.Time
		expected string
	}{
		{time.Time{}, "never"},
		{now, "now"},
		{now.Add(-12 * time.Second), "12s ago"},
		{now.Add(-90 * time.Second), "1m30s ago"},
	}

	for _, tt := range tests {
		if result := formatAgo(now, tt.t); result != tt.expected {
			t.Errorf("formatAgo(%v) = %v; want %v", tt.t, result, tt.expected)
		}
	}
}

func TestFormatUntil(t *testing.T) {
	now := time.Date(2024, time.March, 7, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		t        time.Time
		expected string
	}{
		{time.Time{}, "-"},
		{now.Add(-time.Second), "due"},
		{now.Add(30 * time.Second), "in 30s"},
		{now.Add(48 * time.Hour), "> 1d"},
	}

	for _, tt := range tests {
		if result := formatUntil(now, tt.t); result != tt.expected {
			t.Errorf("formatUntil(%v) = %v; want %v", tt.t, result, tt.expected)
		}
	}
}

func TestDeliveryRatio(t *testing.T) {
	if r := deliveryRatio(0, 0); r != 0 {
		t.Errorf("expected 0 with no results, got %v", r)
	}
	if r := deliveryRatio(3, 1); r != 0.75 {
		t.Errorf("expected 0.75, got %v", r)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("acme", 16); got != "acme" {
		t.Errorf("unexpected %q", got)
	}
	if got := truncate("a-very-long-tenant-identifier", 10); got != "a-very-..." {
		t.Errorf("unexpected %q", got)
	}
}

func TestStatusModelInitialization(t *testing.T) {
	model := NewStatusModel(&DashboardState{Tenants: []TenantRow{{ID: "acme"}}})

	view := model.View()
	if !strings.Contains(view, "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}
}

func TestStatusModelRendersTenants(t *testing.T) {
	now := time.Date(2024, time.March, 7, 10, 30, 0, 0, time.UTC)
	model := NewStatusModel(nil)

	updated, _ := model.Update(tea.WindowSizeMsg{Width: 140, Height: 30})
	updated, _ = updated.Update(StatusMsg{State: &DashboardState{
		Now: now,
		Tenants: []TenantRow{
			{ID: "acme", State: "idle", Staged: 7, Dispatched: 5, Failed: 2, LastCycle: now.Add(-5 * time.Second)},
			{ID: "globex", State: "stopped", LastError: "tenant \"globex\": invalid host: is required"},
		},
	}})

	view := updated.View()
	for _, want := range []string{"acme", "globex", "Staged: 7", "Dispatched: 5", "Failed: 2", "invalid host"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestStatusModelQuitsWhenDone(t *testing.T) {
	model := NewStatusModel(nil)
	_, cmd := model.Update(StatusMsg{State: &DashboardState{Done: true}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("expected tea.QuitMsg")
	}
}
