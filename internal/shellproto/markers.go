// Package shellproto owns the marker constants and boot-time shell
// configuration string shared by every sandbox's attached interactive
// shell. It has no dependency on the container backend or the sandbox
// state machine — pure string construction.
package shellproto

import "fmt"

// Prefix distinguishes the PS1/PS2 markers from ordinary shell output.
// The sandbox id is appended so the resulting marker is unguessable by
// anything running inside the container.
const markerPrefix = "#SBX"

// PS1Marker returns the per-sandbox PS1 marker, e.g. "#SBX-<id>#".
// The prompt is set to PS1Marker(id) + "$?:" so every prompt redraw both
// delimits output and carries the exit code of the previous command.
func PS1Marker(id string) string {
	return fmt.Sprintf("%s-%s#", markerPrefix, id)
}

// PS2Marker returns the per-sandbox PS2 (continuation-prompt) marker.
func PS2Marker(id string) string {
	return fmt.Sprintf("%s-%s-PS2#", markerPrefix, id)
}

// ExitMarker returns the sentinel the overridden `exit` shell function
// emits in place of exiting: the function prints it and returns 0, and the
// shell process keeps running. The sandbox treats its presence in
// accumulated output as the interactive session having terminated.
func ExitMarker(id string) string {
	return fmt.Sprintf("%s-%s-EXIT#", markerPrefix, id)
}

// ConfigureCmd builds the single newline-terminated line written to the
// shell's stdin immediately after attach. It, in order:
//   - disables input echo and bracketed-paste mode,
//   - sets PS1 to "<PS1Marker><exit_code>:",
//   - sets PS2 to the PS2 marker,
//   - marks PS1 and PS2 read-only,
//   - overrides `exit` as a function that emits the exit marker then
//     returns 0, and exports it,
//   - enables pipefail,
//   - enables ignoreeof so a stray EOF does not kill the shell.
func ConfigureCmd(id string) string {
	ps1 := PS1Marker(id)
	ps2 := PS2Marker(id)
	exitMarker := ExitMarker(id)

	return fmt.Sprintf(
		"stty -echo; bind 'set enable-bracketed-paste off' 2>/dev/null; "+
			"PS1='%s$?:'; PS2='%s'; readonly PS1; readonly PS2; "+
			"exit() { printf '%%s\\n' '%s'; return 0; }; export -f exit; "+
			"set -o pipefail; set -o ignoreeof\n",
		ps1, ps2, exitMarker,
	)
}

// StandaloneCmd returns the argv used to run a one-shot command inside the
// container via exec, interleaving stdout and stderr under a plain TTY-less
// shell.
func StandaloneCmd(cmd string) []string {
	return []string{"/bin/bash", "-c", cmd}
}

// InteractiveCmd returns the argv used to start the long-lived attached
// shell for a sandbox.
func InteractiveCmd() []string {
	return []string{"/bin/bash", "-i"}
}
