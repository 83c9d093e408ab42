package summarize

import "testing"

func TestSystemPromptMentionsKeyTopics(t *testing.T) {
	if systemPrompt == "" {
		t.Fatal("systemPrompt should not be empty")
	}
	for _, kw := range []string{"summarize", "assistant", "outcome"} {
		if !containsFold(systemPrompt, kw) {
			t.Errorf("expected system prompt to mention %q", kw)
		}
	}
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFoldASCII(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
