package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nhle/mailagent/internal/credential"
	"github.com/nhle/mailagent/internal/model"
)

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Errorf("newLogger(debug) error: %v", err)
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("newLogger(loud) succeeded")
	}
}

func TestPrintYAML(t *testing.T) {
	rec := model.RunRecord{
		ID:              "run-1",
		Trigger:         model.TriggerManual,
		MessagesFetched: 2,
		OutcomesByKind:  map[model.OutcomeKind]int{model.OutcomeSent: 2},
	}

	var buf bytes.Buffer
	if err := printYAML(&buf, rec); err != nil {
		t.Fatalf("printYAML() error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"id: run-1", "trigger: manual", "messages_fetched: 2", "sent: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "quiet_hours") {
		t.Errorf("output contains empty quiet_hours:\n%s", out)
	}
}

func TestCheckCredentialKey(t *testing.T) {
	for _, key := range []string{credential.KeyMailPassword, credential.KeyAIAPIKey} {
		if err := checkCredentialKey(key); err != nil {
			t.Errorf("checkCredentialKey(%q) error: %v", key, err)
		}
	}
	if err := checkCredentialKey("jira.token"); err == nil {
		t.Error("checkCredentialKey accepted an unknown key")
	}
}
