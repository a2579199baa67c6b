// Package termio implements the terminal-output cleaning and marker
// scanning used to turn a raw byte stream from an attached TTY into
// discrete command results.
package termio

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// CleanTerminalOutput strips ANSI escape sequences from raw and folds each
// line on its last '\r' segment, mimicking what a real terminal would
// render: a line rewritten mid-draw (progress bars, carriage-return
// spinners) collapses to only its final state. Trailing whitespace is
// trimmed from the result.
func CleanTerminalOutput(raw string) string {
	stripped := ansi.Strip(raw)
	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			lines[i] = line[idx+1:]
		}
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\n")
}

// StripMarkersAndExtractExitCode removes every PS2 marker occurrence, then
// every PS1-marker prompt of the form "<ps1Marker><digits>:" — keeping the
// last captured digit group as the reported exit code. If exitMarker (the
// sentinel emitted by the overridden `exit` function) is present, the text
// up to that point is kept; the exit code comes from the last PS1 prompt in
// the full, untruncated text, found and spliced onto the truncated prefix.
// The prompt reporting the exit status is usually redrawn after the
// sentinel, not before it: exit's own printf runs inside the command, and
// bash only redraws PS1 once the whole command line finishes. Returns
// (cleaned, last_exit_code, exit_marker_seen); last_exit_code is -1 when no
// PS1 prompt was found.
func StripMarkersAndExtractExitCode(cleaned, ps1Marker, ps2Marker, exitMarker string) (output string, lastExitCode int, exitSeen bool) {
	lastExitCode = -1

	full := cleaned
	if ps2Marker != "" {
		full = strings.ReplaceAll(full, ps2Marker, "")
	}

	promptRe := regexp.MustCompile(regexp.QuoteMeta(ps1Marker) + `(-?\d+):`)

	text := full
	if idx := strings.Index(full, exitMarker); idx >= 0 {
		exitSeen = true
		prefix := full[:idx]

		if all := promptRe.FindAllStringSubmatchIndex(full, -1); len(all) > 0 {
			if last := all[len(all)-1]; last[0] >= idx {
				prefix += full[last[0]:last[1]]
			}
		}
		text = prefix
	}

	matches := promptRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return strings.TrimRight(text, " \t\n"), lastExitCode, exitSeen
	}

	last := matches[len(matches)-1]
	if code, err := strconv.Atoi(text[last[2]:last[3]]); err == nil {
		lastExitCode = code
	}

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(text[prev:m[0]])
		prev = m[1]
	}
	b.WriteString(text[prev:])

	return strings.TrimRight(b.String(), " \t\n"), lastExitCode, exitSeen
}

// IdleReadResult is the outcome of ReadUntilIdle.
type IdleReadResult struct {
	Output        string
	LastExitCode  int
	ExitMarkerHit bool
	TimedOut      bool
}

// Chunks is implemented by whatever feeds ReadUntilIdle; in production
// this wraps a channel fed by a goroutine copying from the container
// attach stream, decoupling this package from any specific transport.
type Chunks <-chan []byte

// ReadUntilIdle accumulates chunks from ch until either the PS1-marker
// count observed reaches maxMarkers, or the stream goes idle for
// idleTimeout after at least one marker has been seen. It fails the read
// (TimedOut) if overallTimeout elapses first, or if the channel closes
// before any marker was observed.
func ReadUntilIdle(ch Chunks, ps1Marker, ps2Marker, exitMarker string, maxMarkers int, idleTimeout, overallTimeout time.Duration) IdleReadResult {
	var buf strings.Builder
	deadline := time.NewTimer(overallTimeout)
	defer deadline.Stop()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	markersSeen := 0
	timedOut := false

loop:
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if markersSeen == 0 {
					timedOut = true
				}
				break loop
			}
			buf.Write(chunk)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

			markersSeen = strings.Count(ansi.Strip(buf.String()), ps1Marker)
			if maxMarkers > 0 && markersSeen >= maxMarkers {
				break loop
			}
		case <-idle.C:
			if markersSeen == 0 {
				continue loop
			}
			break loop
		case <-deadline.C:
			timedOut = true
			break loop
		}
	}

	cleaned := CleanTerminalOutput(buf.String())
	output, lastExit, exitSeen := StripMarkersAndExtractExitCode(cleaned, ps1Marker, ps2Marker, exitMarker)

	return IdleReadResult{
		Output:        output,
		LastExitCode:  lastExit,
		ExitMarkerHit: exitSeen,
		TimedOut:      timedOut,
	}
}
