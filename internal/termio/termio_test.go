package termio

import (
	"testing"
	"time"
)

func TestCleanTerminalOutput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\nworld", "hello\nworld"},
		{"ansi stripped", "\x1b[31mhello\x1b[0m", "hello"},
		{"carriage return folds to last segment", "progress: 10%\rprogress: 100%", "progress: 100%"},
		{"trailing whitespace trimmed", "hello  \n\n", "hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanTerminalOutput(tc.in); got != tc.want {
				t.Errorf("CleanTerminalOutput(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStripMarkersAndExtractExitCode(t *testing.T) {
	const ps1 = "#SBX-abc#"
	const ps2 = "#SBX-abc-PS2#"
	const exitMarker = "#SBX-abc-EXIT#"

	t.Run("single prompt reports exit code", func(t *testing.T) {
		in := "Hello, World!\n" + ps1 + "0:"
		out, code, exited := StripMarkersAndExtractExitCode(in, ps1, ps2, exitMarker)
		if out != "Hello, World!" || code != 0 || exited {
			t.Errorf("got (%q, %d, %v)", out, code, exited)
		}
	})

	t.Run("last prompt wins when multiple present", func(t *testing.T) {
		in := ps1 + "0:echo hi\nhi\n" + ps1 + "7:"
		out, code, exited := StripMarkersAndExtractExitCode(in, ps1, ps2, exitMarker)
		if code != 7 || exited {
			t.Errorf("got code %d exited %v, want 7 false", code, exited)
		}
		if out != "echo hi\nhi" {
			t.Errorf("got output %q", out)
		}
	})

	t.Run("no marker reports -1", func(t *testing.T) {
		_, code, exited := StripMarkersAndExtractExitCode("no markers here", ps1, ps2, exitMarker)
		if code != -1 || exited {
			t.Errorf("got (%d, %v), want (-1, false)", code, exited)
		}
	})

	t.Run("exit sentinel preserves prior exit code and reports exited", func(t *testing.T) {
		in := "hi\n" + ps1 + "0:exit 7\n" + exitMarker + "\n"
		out, code, exited := StripMarkersAndExtractExitCode(in, ps1, ps2, exitMarker)
		if !exited {
			t.Fatalf("expected exited=true")
		}
		if code != 0 {
			t.Errorf("got code %d, want 0 (from the prompt printed before exit's sentinel)", code)
		}
		// Text before the sentinel is kept, including the line typed after
		// the earlier prompt; only the prompt itself is stripped.
		if out != "hi\nexit 7" {
			t.Errorf("got output %q, want %q", out, "hi\nexit 7")
		}
	})

	t.Run("PS1 prompt after exit sentinel still supplies the exit code", func(t *testing.T) {
		// The common real-world shape: the command's own output is
		// followed by the sentinel, and only then does bash redraw PS1
		// reporting the exit status of the whole command line.
		in := "hi\n" + exitMarker + "\n" + ps1 + "7:"
		out, code, exited := StripMarkersAndExtractExitCode(in, ps1, ps2, exitMarker)
		if !exited {
			t.Fatalf("expected exited=true")
		}
		if code != 7 {
			t.Errorf("got code %d, want 7 (from the prompt printed after exit's sentinel)", code)
		}
		if out != "hi" {
			t.Errorf("got output %q, want %q", out, "hi")
		}
	})

	t.Run("PS2 markers removed without affecting exit code", func(t *testing.T) {
		in := ps2 + "line continuation\n" + ps1 + "0:"
		out, code, _ := StripMarkersAndExtractExitCode(in, ps1, ps2, exitMarker)
		if code != 0 {
			t.Errorf("got code %d", code)
		}
		if out != "line continuation" {
			t.Errorf("got output %q", out)
		}
	})
}

func TestReadUntilIdleShortCircuitsOnMarkerCount(t *testing.T) {
	const ps1 = "#SBX-id#"
	ch := make(chan []byte, 4)
	ch <- []byte("line1\n" + ps1 + "0:")
	ch <- []byte("line2\n" + ps1 + "0:")
	close(ch)

	start := time.Now()
	res := ReadUntilIdle(ch, ps1, "#SBX-id-PS2#", "#SBX-id-EXIT#", 2, 5*time.Second, 30*time.Second)
	elapsed := time.Since(start)

	if res.TimedOut {
		t.Fatalf("unexpected timeout")
	}
	if elapsed > 2*time.Second {
		t.Errorf("short-circuit should not wait out the idle timeout, took %v", elapsed)
	}
}

func TestReadUntilIdleFallsBackToIdleTimeout(t *testing.T) {
	const ps1 = "#SBX-id#"
	ch := make(chan []byte, 1)
	ch <- []byte("output\n" + ps1 + "0:")

	res := ReadUntilIdle(ch, ps1, "#SBX-id-PS2#", "#SBX-id-EXIT#", 0, 150*time.Millisecond, 2*time.Second)
	if res.TimedOut {
		t.Fatalf("unexpected timeout")
	}
	if res.LastExitCode != 0 {
		t.Errorf("got exit code %d, want 0", res.LastExitCode)
	}
}

func TestReadUntilIdleOverallTimeoutWithNoMarker(t *testing.T) {
	ch := make(chan []byte)
	res := ReadUntilIdle(ch, "#SBX-id#", "#SBX-id-PS2#", "#SBX-id-EXIT#", 1, 50*time.Millisecond, 100*time.Millisecond)
	if !res.TimedOut {
		t.Fatalf("expected timeout when no marker ever arrives")
	}
}
