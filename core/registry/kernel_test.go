package registry

import (
	"errors"
	"testing"

	"daokernel/core/types"
	"daokernel/native/gate"
)

type moduleStub struct {
	key string
}

func (m *moduleStub) ModuleKey() string { return m.key }

func addr(b byte) types.Address {
	var a types.Address
	a[19] = b
	return a
}

func TestKernelInstallOwnerOnly(t *testing.T) {
	owner := addr(1)
	kernel := NewKernel("default", owner)
	mod := &moduleStub{key: "TKN"}

	if err := kernel.Install(addr(2), mod); !errors.Is(err, gate.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := kernel.Install(owner, mod); err != nil {
		t.Fatalf("install: %v", err)
	}
	resolved, err := kernel.Module("TKN")
	if err != nil {
		t.Fatalf("module: %v", err)
	}
	if resolved != mod {
		t.Fatalf("resolved wrong module")
	}
}

func TestKernelInstallRejectsBadKeys(t *testing.T) {
	owner := addr(1)
	kernel := NewKernel("default", owner)
	if err := kernel.Install(owner, &moduleStub{key: "TOKEN"}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := kernel.Module("TKN"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestKernelInstallReplaces(t *testing.T) {
	owner := addr(1)
	kernel := NewKernel("default", owner)
	first := &moduleStub{key: "MBR"}
	second := &moduleStub{key: "MBR"}
	if err := kernel.Install(owner, first); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := kernel.Install(owner, second); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	resolved, err := kernel.Module("MBR")
	if err != nil {
		t.Fatalf("module: %v", err)
	}
	if resolved != Module(second) {
		t.Fatalf("reinstall should replace the module")
	}
}

func TestKernelEventLog(t *testing.T) {
	kernel := NewKernel("default", addr(1))
	kernel.AppendEvent(&types.Event{Type: "TokensStaked", Attributes: map[string]string{"amount": "10"}})
	kernel.AppendEvent(&types.Event{Type: "RewardsClaimed", Attributes: map[string]string{"amount": "5"}})
	kernel.AppendEvent(&types.Event{Type: "TokensStaked", Attributes: map[string]string{"amount": "20"}})
	kernel.AppendEvent(nil)

	if got := len(kernel.Events()); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
	staked := kernel.EventsOfType("TokensStaked")
	if len(staked) != 2 {
		t.Fatalf("expected 2 TokensStaked events, got %d", len(staked))
	}
	if staked[0].Attributes["amount"] != "10" || staked[1].Attributes["amount"] != "20" {
		t.Fatalf("event order not preserved: %+v", staked)
	}
}
