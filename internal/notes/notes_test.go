package notes

import (
	"strings"
	"testing"
	"unicode/utf8"

	"shipdeck/internal/model"
)

func TestReleaseNotes(t *testing.T) {
	commits := []model.Commit{
		{Message: "Fix login crash on cold start", Author: "ana"},
		{Message: "Merge branch 'release/2.0' into main", Author: "bot"},
		{Message: "  Add dark mode toggle  ", Author: "joe"},
		{Message: "", Author: "joe"},
	}

	got := ReleaseNotes(commits)
	want := "- Fix login crash on cold start\n- Add dark mode toggle"
	if got != want {
		t.Errorf("ReleaseNotes() = %q, want %q", got, want)
	}
}

func TestReleaseNotes_Empty(t *testing.T) {
	if got := ReleaseNotes(nil); got != "" {
		t.Errorf("ReleaseNotes(nil) = %q, want empty", got)
	}
}

func TestReleaseNotes_CapsLineCount(t *testing.T) {
	var commits []model.Commit
	for i := 0; i < MaxNoteLines+10; i++ {
		commits = append(commits, model.Commit{Message: "change", Author: "a"})
	}

	got := ReleaseNotes(commits)
	lines := strings.Split(got, "\n")
	if len(lines) != MaxNoteLines+1 {
		t.Fatalf("line count = %d, want %d", len(lines), MaxNoteLines+1)
	}
	if lines[len(lines)-1] != "- ..." {
		t.Errorf("last line = %q, want ellipsis", lines[len(lines)-1])
	}
}

func TestReleaseNotes_TruncatesLongSubjects(t *testing.T) {
	long := strings.Repeat("word ", 50)
	got := ReleaseNotes([]model.Commit{{Message: long, Author: "a"}})
	if len(got) > 125 {
		t.Errorf("line length = %d, expected truncation", len(got))
	}
	if strings.HasSuffix(got, " ") {
		t.Error("truncated line ends with a space")
	}
}

func TestReleaseNotes_TruncationKeepsValidUTF8(t *testing.T) {
	// No space anywhere, so the cut cannot retreat to a word boundary
	// and must instead back off to a rune boundary. The leading ASCII
	// byte puts the cut offset mid-rune.
	long := "x" + strings.Repeat("天", 100)
	got := ReleaseNotes([]model.Commit{{Message: long, Author: "a"}})
	if !utf8.ValidString(got) {
		t.Errorf("truncated line is not valid UTF-8: %q", got)
	}
	if len(got) > 125 {
		t.Errorf("line length = %d, expected truncation", len(got))
	}
}

func TestDiscordMessage(t *testing.T) {
	ev := ReleaseEvent{
		Project:  "App",
		Platform: model.PlatformIOS,
		Track:    "storeRollout",
		Version:  "2.0.120 (45)",
		Rollout:  0.25,
		Notes:    "- Fix login crash",
	}

	got := DiscordMessage(ev)
	want := "**App** rollout (ios): 2.0.120 (45) at 25%\n- Fix login crash"
	if got != want {
		t.Errorf("DiscordMessage() = %q, want %q", got, want)
	}
}

func TestDiscordMessage_SanitizesMentions(t *testing.T) {
	ev := ReleaseEvent{
		Project: "App",
		Track:   "storeRelease",
		Version: "1.0",
		Notes:   "ping @everyone and @here please",
	}

	got := DiscordMessage(ev)
	if strings.Contains(got, "@everyone") || strings.Contains(got, "@here") {
		t.Errorf("live mention survived: %q", got)
	}
	if !strings.Contains(got, "everyone") {
		t.Errorf("mention text lost entirely: %q", got)
	}
}

func TestDiscordMessage_Truncates(t *testing.T) {
	ev := ReleaseEvent{
		Project: "App",
		Track:   "storeRelease",
		Version: "1.0",
		Notes:   strings.Repeat("a very long line of notes ", 200),
	}

	got := DiscordMessage(ev)
	if len(got) > DiscordMessageLimit {
		t.Errorf("message length = %d, exceeds limit %d", len(got), DiscordMessageLimit)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated message missing ellipsis: %q", got[len(got)-20:])
	}
}

func TestDiscordMessage_FullRolloutOmitsPercent(t *testing.T) {
	ev := ReleaseEvent{Project: "App", Track: "storeRelease", Version: "1.0", Rollout: 1}
	if got := DiscordMessage(ev); strings.Contains(got, "%") {
		t.Errorf("full rollout should not show a percentage: %q", got)
	}
}
