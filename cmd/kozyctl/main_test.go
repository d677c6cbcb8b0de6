package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func execute(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--seed", "11"}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		kindFilter = ""
		historyLines = nil
		showCategory = false
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("kozyctl %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestChatCrisisReply(t *testing.T) {
	out := execute(t, "I want to end it all\n/quit\n", "chat", "--show-category")

	if !strings.Contains(out, "[greeting, neutral]") {
		t.Errorf("chat should open with a greeting:\n%s", out)
	}
	if !strings.Contains(out, "[crisis_response,") {
		t.Errorf("crisis message not routed to crisis_response:\n%s", out)
	}
	if !strings.Contains(out, "988") {
		t.Errorf("crisis reply lacks hotline:\n%s", out)
	}
}

func TestChatEndsOnEOF(t *testing.T) {
	out := execute(t, "hi\n", "chat")
	if strings.Count(out, "you> ") != 2 {
		t.Errorf("expected two prompts before EOF:\n%s", out)
	}
}

func TestClassifyPrintsSignal(t *testing.T) {
	out := execute(t, "", "classify", "I", "want", "to", "die")

	var got struct {
		Signal struct {
			Urgency bool   `json:"urgency"`
			Quality string `json:"message_quality"`
		} `json:"signal"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !got.Signal.Urgency {
		t.Error("expected urgency for a crisis phrase")
	}
	if got.Signal.Quality != "low" {
		t.Errorf("quality = %q, want low", got.Signal.Quality)
	}
}

func TestLexiconKindFilter(t *testing.T) {
	out := execute(t, "", "lexicon", "--kind", "crisis")
	if !strings.Contains(out, "crisis") {
		t.Errorf("crisis category missing:\n%s", out)
	}
	if strings.Contains(out, "happy") || strings.Contains(out, "interview_and_exam") {
		t.Errorf("filter leaked other kinds:\n%s", out)
	}
}
