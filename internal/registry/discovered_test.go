package registry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeDiscoveredStore struct {
	tools []DiscoveredTool
	err   error
}

func (s *fakeDiscoveredStore) ListTools(ctx context.Context) ([]DiscoveredTool, error) {
	return s.tools, s.err
}

func TestLoader_RegistersDiscoveredTools(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	store := &fakeDiscoveredStore{tools: []DiscoveredTool{
		{Name: "schedule_appointment", OperationType: "create", TargetDoctype: "Appointment", Industry: "healthcare", AlwaysApprove: true},
		{Name: "list_patients", OperationType: "read", TargetDoctype: "Patient", Industry: "healthcare"},
	}}

	bind := func(d DiscoveredTool) (Handler, error) { return noopHandler, nil }
	l := NewLoader(r, store, bind, 0, zap.NewNop())
	if err := l.LoadOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	def, err := r.Resolve("schedule_appointment")
	if err != nil {
		t.Fatal(err)
	}
	if def.Source != SourceDiscovered || !def.AlwaysApprove || def.Industry != "healthcare" {
		t.Fatalf("bad discovered def: %+v", def)
	}
}

func TestLoader_SkipsUnbindableTools(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	store := &fakeDiscoveredStore{tools: []DiscoveredTool{
		{Name: "good", OperationType: "read", TargetDoctype: "Item"},
		{Name: "bad", OperationType: "read", TargetDoctype: ""},
	}}

	bind := func(d DiscoveredTool) (Handler, error) {
		if d.TargetDoctype == "" {
			return nil, errors.New("no target doctype")
		}
		return noopHandler, nil
	}
	l := NewLoader(r, store, bind, 0, zap.NewNop())
	if err := l.LoadOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Resolve("good"); err != nil {
		t.Fatal("bindable tool must register")
	}
	if _, err := r.Resolve("bad"); err == nil {
		t.Fatal("unbindable tool must be skipped")
	}
}

func TestLoader_PropagatesStoreError(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	store := &fakeDiscoveredStore{err: errors.New("connection refused")}
	l := NewLoader(r, store, func(d DiscoveredTool) (Handler, error) { return noopHandler, nil }, 0, zap.NewNop())
	if err := l.LoadOnce(context.Background()); err == nil {
		t.Fatal("expected store error to propagate")
	}
}
