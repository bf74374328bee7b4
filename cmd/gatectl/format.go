package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
)

const timeLayout = "2006-01-02 15:04:05"

// table accumulates rows and right-pads each column to its widest cell on
// write. Cells may carry ANSI color codes; width accounting skips them.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) add(cols ...string) {
	t.rows = append(t.rows, cols)
}

func (t *table) write(out io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	line := func(cols []string) {
		for i, w := range widths {
			cell := ""
			if i < len(cols) {
				cell = cols[i]
			}
			if i > 0 {
				fmt.Fprint(out, "  ")
			}
			fmt.Fprint(out, cell)
			if pad := w - visibleLen(cell); pad > 0 && i < len(widths)-1 {
				fmt.Fprint(out, strings.Repeat(" ", pad))
			}
		}
		fmt.Fprintln(out)
	}

	line(t.headers)
	for i, w := range widths {
		if i > 0 {
			fmt.Fprint(out, "  ")
		}
		fmt.Fprint(out, strings.Repeat("-", w))
	}
	fmt.Fprintln(out)
	for _, row := range t.rows {
		line(row)
	}
}

// visibleLen counts printable bytes, skipping ANSI escape sequences.
func visibleLen(s string) int {
	n := 0
	esc := false
	for i := 0; i < len(s); i++ {
		switch {
		case esc:
			if s[i] == 'm' {
				esc = false
			}
		case s[i] == 0x1b:
			esc = true
		default:
			n++
		}
	}
	return n
}

// colorStatus colors the status strings gatectl prints: key lifecycle
// states, server health, and execution outcomes.
func colorStatus(status string) string {
	switch strings.ToLower(status) {
	case "active", "healthy", "succeeded":
		return ansiGreen + status + ansiReset
	case "revoked", "expired", "failed", "unhealthy":
		return ansiRed + status + ansiReset
	case "suspended", "degraded", "retrying":
		return ansiYellow + status + ansiReset
	}
	return status
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max == 1 {
		return s[:1]
	}
	return s[:max-1] + "…"
}

func timeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}
