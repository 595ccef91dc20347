package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWithKeepsIdentity(t *testing.T) {
	err := With(ErrNotAMember, "not a member of chat %s", "1-2")
	if !errors.Is(err, ErrNotAMember) {
		t.Fatal("expected copy to match sentinel")
	}
	if errors.Is(err, ErrForbidden) {
		t.Error("copy must not match a different sentinel")
	}
	if err.Reason() != "not a member of chat 1-2" {
		t.Errorf("unexpected reason %q", err.Reason())
	}
}

func TestPersistenceHidesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("create message: %w", Persistence(cause))

	e := From(err)
	if e.Kind != KindPersistence {
		t.Fatalf("expected persistence kind, got %s", e.Kind)
	}
	if e.Reason() != "storage failure" {
		t.Errorf("persistence reason leaked details: %q", e.Reason())
	}
	if !errors.Is(err, cause) {
		t.Error("cause should stay reachable through Unwrap")
	}
}

func TestFromUnknownIsInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("plain errors should classify as internal")
	}
	if Missing("chatId").Msg != "chatId is required" {
		t.Error("Missing should name the field")
	}
}
