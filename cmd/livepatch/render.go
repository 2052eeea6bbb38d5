package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"livepatch/internal/diff"
	"livepatch/internal/host"
	"livepatch/internal/patcher"
)

var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorDanger  = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorMuted   = lipgloss.Color("#6b7280")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	insertStyle = lipgloss.NewStyle().Foreground(colorSuccess).Underline(true)
	deleteStyle = lipgloss.NewStyle().Foreground(colorDanger).Strikethrough(true)
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(8)
)

// renderDiff colors inserted and deleted words inline.
func renderDiff(segs []diff.Segment) string {
	var sb strings.Builder
	for _, s := range segs {
		switch s.Op {
		case diff.OpInsert:
			sb.WriteString(insertStyle.Render(s.Text))
		case diff.OpDelete:
			sb.WriteString(deleteStyle.Render(s.Text))
		default:
			sb.WriteString(s.Text)
		}
	}
	return sb.String()
}

func eventStyle(kind patcher.EventKind) lipgloss.Style {
	switch kind {
	case patcher.EventApplied:
		return headerStyle
	case patcher.EventNoOp:
		return warnStyle
	default:
		return errorStyle
	}
}

// renderModule prints the outcome of every patch that met one module. f may
// be nil when the factory is not in the table.
func renderModule(w io.Writer, rep patcher.ModuleReport, f *host.Factory, showDiff bool) {
	title := "Module " + rep.ID
	if len(rep.PatchedBy) > 0 {
		title += " - Patched by " + strings.Join(rep.PatchedBy, ", ")
	}
	fmt.Fprintln(w, headerStyle.Render(title))

	for _, ev := range rep.Events {
		line := fmt.Sprintf("  %s replacement %d: %s", ev.Owner, ev.Replacement, eventStyle(ev.Kind).Render(ev.Kind.String()))
		if ev.Err != nil {
			line += mutedStyle.Render(" (" + ev.Err.Error() + ")")
		}
		fmt.Fprintln(w, line)
	}

	if !showDiff || f == nil || f.PatchedSource == "" {
		return
	}
	before := patcher.Canonicalize(f.OriginalSource())
	segs := diff.Words(before, f.PatchedSource)
	if !diff.Changed(segs) {
		return
	}
	fmt.Fprintln(w, labelStyle.Render("Before")+mutedStyle.Render(before))
	fmt.Fprintln(w, labelStyle.Render("After")+f.PatchedSource)
	fmt.Fprintln(w, labelStyle.Render("Diff")+renderDiff(segs))
}

// renderPending lists patches that never applied to any module.
func renderPending(w io.Writer, pending []*patcher.Patch) {
	if len(pending) == 0 {
		return
	}
	fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("%d patches had no effect:", len(pending))))
	for _, p := range pending {
		fmt.Fprintf(w, "  %s find %s\n", p.Def.Owner, p.Def.Find)
	}
}
