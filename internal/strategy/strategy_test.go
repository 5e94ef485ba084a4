package strategy

import (
	"errors"
	"testing"
)

func stubStrategy(id, name string) *Strategy {
	return &Strategy{Schema: Schema{ID: id, Name: name, Inputs: map[string]Input{}}}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubStrategy("test_strategy", "Test")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("test_strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	if got.Name() != "Test" {
		t.Errorf("Get returned strategy with Name() = %q, want %q", got.Name(), "Test")
	}
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(stubStrategy("Bad-ID", "Bad"))
	if !errors.Is(err, ErrInvalidSchema) {
		t.Errorf("Register() error = %v, want ErrInvalidSchema", err)
	}
	if _, ok := r.Get("Bad-ID"); ok {
		t.Error("invalid strategy was registered")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(stubStrategy("b", "beta"))
	_ = r.Register(stubStrategy("a", "Alpha"))

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d strategies, want 2", len(list))
	}
	// Ordered by case-insensitive name.
	if list[0].ID() != "a" || list[1].ID() != "b" {
		t.Errorf("List returned [%s %s], want [a b]", list[0].ID(), list[1].ID())
	}
}
