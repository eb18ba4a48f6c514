package function

import (
	"strings"
	"testing"
	"time"
)

func noopStep(name string) StepSpec {
	return StepSpec{Name: name, Fn: func(ctx Context) (any, error) { return nil, nil }}
}

func validDefinition(id string) *Definition {
	return &Definition{
		ID:           id,
		TriggerEvent: "test.event",
		Steps:        []StepSpec{noopStep("one"), noopStep("two")},
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{"valid", func(d *Definition) {}, ""},
		{"missing ID", func(d *Definition) { d.ID = "" }, "ID is required"},
		{"missing trigger", func(d *Definition) { d.TriggerEvent = "" }, "trigger event"},
		{"no steps", func(d *Definition) { d.Steps = nil }, "at least one step"},
		{"unnamed step", func(d *Definition) { d.Steps[0].Name = "" }, "has no name"},
		{"nil step body", func(d *Definition) { d.Steps[1].Fn = nil }, "has no body"},
		{"duplicate step names", func(d *Definition) { d.Steps[1].Name = "one" }, "duplicate step name"},
		{"negative concurrency", func(d *Definition) { d.ConcurrencyLimit = -1 }, "concurrency limit"},
		{"throttle without key", func(d *Definition) {
			d.Throttle = Throttle{Limit: 5, Period: time.Minute}
		}, "throttle key"},
		{"throttle without limit", func(d *Definition) {
			d.Throttle = Throttle{Key: "userId", Period: time.Minute}
		}, "throttle limit"},
		{"throttle without period", func(d *Definition) {
			d.Throttle = Throttle{Key: "userId", Limit: 5}
		}, "throttle period"},
		{"incomplete cancel rule", func(d *Definition) {
			d.CancelOn = []CancelRule{{Event: "test.event"}}
		}, "cancel rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition("fn-1")
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := NewRegistry()

	a := validDefinition("fn-a")
	b := validDefinition("fn-b")
	b.TriggerEvent = "other.event"
	b.CancelOn = []CancelRule{{Event: "test.event", Match: "contentId"}}

	for _, d := range []*Definition{a, b} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register %s: %v", d.ID, err)
		}
	}

	if _, ok := reg.Get("fn-a"); !ok {
		t.Error("Get(fn-a) should succeed")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) should fail")
	}

	triggered := reg.ForEvent("test.event")
	if len(triggered) != 1 || triggered[0].ID != "fn-a" {
		t.Errorf("ForEvent(test.event) = %v, want [fn-a]", triggered)
	}

	targets := reg.CancelTargets("test.event")
	if len(targets) != 1 || targets[0].ID != "fn-b" {
		t.Errorf("CancelTargets(test.event) = %v, want [fn-b]", targets)
	}

	names := reg.TriggerEvents()
	if len(names) != 2 {
		t.Errorf("TriggerEvents = %v, want both event names once each", names)
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(validDefinition("fn-a")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(validDefinition("fn-a")); err == nil {
		t.Error("duplicate ID should be rejected")
	}
}

func TestRetryPolicyDefault(t *testing.T) {
	d := validDefinition("fn-a")
	if d.RetryPolicy().MaxAttempts != 3 {
		t.Errorf("default policy MaxAttempts = %d, want 3", d.RetryPolicy().MaxAttempts)
	}
}

func TestSleepHelpers(t *testing.T) {
	wake := time.Now().Add(time.Hour)
	err := SleepUntil(wake)

	se, ok := AsSleep(err)
	if !ok {
		t.Fatal("AsSleep should recognize SleepUntil's error")
	}
	if !se.WakeAt.Equal(wake) {
		t.Errorf("WakeAt = %v, want %v", se.WakeAt, wake)
	}

	if _, ok := AsSleep(nil); ok {
		t.Error("AsSleep(nil) should be false")
	}
}
