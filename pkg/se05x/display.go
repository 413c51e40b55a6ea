package se05x

import (
	"fmt"
	"io"
)

// PrintVersion prints an applet version record in a human-readable format.
func PrintVersion(w io.Writer, v Version) {
	fmt.Fprintf(w, "  Applet version:     %s\n", v)
	fmt.Fprintf(w, "  SecureBox version:  %d.%d\n", v.SecureBoxMajor, v.SecureBoxMinor)
	fmt.Fprintf(w, "  Applet config:      [raw: %04X]\n", uint16(v.Config))
	for _, n := range configNames {
		mark := "-"
		if v.Config.Has(n.bit) {
			mark = "+"
		}
		fmt.Fprintf(w, "    %s %s\n", mark, n.name)
	}
}

// PrintAuthAttempts prints DiagnoseKeyVersions results, one line per key version.
func PrintAuthAttempts(w io.Writer, attempts []AuthAttempt) {
	for _, a := range attempts {
		switch {
		case a.Success:
			fmt.Fprintf(w, "  KVN 0x%02X: OK\n", a.KVN)
		case a.Step != "" && a.SW != 0:
			fmt.Fprintf(w, "  KVN 0x%02X: FAIL at %s (SW=%04X)\n", a.KVN, a.Step, a.SW)
		case a.Step != "":
			fmt.Fprintf(w, "  KVN 0x%02X: FAIL at %s: %v\n", a.KVN, a.Step, a.Err)
		default:
			fmt.Fprintf(w, "  KVN 0x%02X: FAIL: %v\n", a.KVN, a.Err)
		}
	}
}
