package telegram

import (
	"strings"
	"testing"

	logx "nudgebot/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split = %q", got)
	}

	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("hard split = %q", got)
	}
}

func TestChatOf(t *testing.T) {
	t.Parallel()
	c, err := chatOf(" -100123 ")
	if err != nil || c.ID != -100123 {
		t.Fatalf("chatOf = %v, %v", c, err)
	}
	if _, err := chatOf("alice"); err == nil {
		t.Fatal("expected error for non-numeric recipient")
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
