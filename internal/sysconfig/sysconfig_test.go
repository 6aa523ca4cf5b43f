package sysconfig_test

import (
	"errors"
	"testing"

	"github.com/emx/market-engine/internal/model"
	"github.com/emx/market-engine/internal/sysconfig"
)

func TestNew_Defaults(t *testing.T) {
	s := sysconfig.New()
	cfg := s.Get()
	if cfg.EventMode != model.EventNone {
		t.Errorf("expected NONE, got %s", cfg.EventMode)
	}
	if cfg.Notification != "" {
		t.Errorf("expected empty notification, got %q", cfg.Notification)
	}
}

func TestSetEventMode(t *testing.T) {
	s := sysconfig.New()

	for _, mode := range []model.EventMode{
		model.EventTurbulence, model.EventTaxHoliday,
		model.EventAirdrop, model.EventFog, model.EventNone,
	} {
		if err := s.SetEventMode(mode); err != nil {
			t.Errorf("mode %s rejected: %v", mode, err)
		}
		if got := s.Get().EventMode; got != mode {
			t.Errorf("expected %s, got %s", mode, got)
		}
	}
}

func TestSetEventMode_Unknown(t *testing.T) {
	s := sysconfig.New()
	err := s.SetEventMode("X")
	if !errors.Is(err, sysconfig.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if s.Get().EventMode != model.EventNone {
		t.Error("failed set changed the mode")
	}
}

func TestSetNotification(t *testing.T) {
	s := sysconfig.New()
	s.SetNotification("maintenance at noon")
	if got := s.Get().Notification; got != "maintenance at noon" {
		t.Errorf("unexpected notification: %q", got)
	}
}
