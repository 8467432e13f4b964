// Package notes turns commit lists and release events into human text.
// Everything here is a pure function: callers own all I/O.
package notes

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"shipdeck/internal/model"
)

// DiscordMessageLimit is the hard message length Discord accepts.
const DiscordMessageLimit = 2000

// MaxNoteLines caps how many commits one release-notes blob lists.
const MaxNoteLines = 30

// ReleaseEvent describes a release transition worth announcing.
type ReleaseEvent struct {
	Project  string
	Platform model.Platform
	Track    string // storeAlpha, storeRollout, storeRelease
	Version  string
	Rollout  float64 // 0 when not a staged rollout
	Notes    string
}

// ReleaseNotes renders commits as a bulleted change list, newest first.
// Commits arrive already deduplicated per branch; merge commits and
// empty messages are skipped, long subjects are cut at a word boundary.
func ReleaseNotes(commits []model.Commit) string {
	var b strings.Builder
	lines := 0
	for _, c := range commits {
		msg := strings.TrimSpace(c.Message)
		if msg == "" || isMergeCommit(msg) {
			continue
		}
		if lines == MaxNoteLines {
			b.WriteString("- ...\n")
			break
		}
		b.WriteString("- ")
		b.WriteString(truncateWord(msg, 120))
		b.WriteString("\n")
		lines++
	}
	return strings.TrimRight(b.String(), "\n")
}

// DiscordMessage formats a release event as a Discord-safe message:
// mass mentions are neutralized and the result fits the length limit.
func DiscordMessage(ev ReleaseEvent) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(ev.Project)
	b.WriteString("** ")
	b.WriteString(trackLabel(ev.Track))
	if ev.Platform != "" {
		b.WriteString(" (")
		b.WriteString(string(ev.Platform))
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(ev.Version)
	if ev.Rollout > 0 && ev.Rollout < 1 {
		b.WriteString(" at ")
		b.WriteString(percent(ev.Rollout))
	}
	if notes := strings.TrimSpace(ev.Notes); notes != "" {
		b.WriteString("\n")
		b.WriteString(notes)
	}
	msg := sanitizeMentions(b.String())
	if len(msg) > DiscordMessageLimit {
		msg = truncateWord(msg, DiscordMessageLimit-3) + "..."
	}
	return msg
}

func trackLabel(track string) string {
	switch track {
	case "storeInternal":
		return "internal build"
	case "storeAlpha":
		return "alpha release"
	case "storeRollout":
		return "rollout"
	case "storeRelease":
		return "released"
	default:
		return track
	}
}

// sanitizeMentions strips the @ that makes a mention live while keeping
// the text readable.
func sanitizeMentions(s string) string {
	s = strings.ReplaceAll(s, "@everyone", "@​everyone")
	s = strings.ReplaceAll(s, "@here", "@​here")
	return s
}

func isMergeCommit(msg string) bool {
	return strings.HasPrefix(msg, "Merge branch ") ||
		strings.HasPrefix(msg, "Merge pull request ") ||
		strings.HasPrefix(msg, "Merge remote-tracking branch ")
}

// truncateWord cuts s to at most n bytes, preferring the last space
// inside the window so words stay whole. The cut never lands inside a
// multibyte character.
func truncateWord(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ")
}

func percent(f float64) string {
	return fmt.Sprintf("%d%%", int(f*100+0.5))
}
