package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"gateci/internal/core"
)

type styles struct {
	header  lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	passed  lipgloss.Style
	warning lipgloss.Style
	failed  lipgloss.Style
}

// newStyles binds the palette to w, so colour is only emitted to terminals.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header: r.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1),
		section: r.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		label:   r.NewStyle().Foreground(lipgloss.Color("252")).Width(18),
		dim:     r.NewStyle().Foreground(lipgloss.Color("244")),
		passed:  r.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		warning: r.NewStyle().Foreground(lipgloss.Color("226")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

func (s styles) status(st core.Status) string {
	name := fmt.Sprintf("%-7s", strings.ToUpper(st.String()))
	switch st {
	case core.StatusPassed:
		return s.passed.Render(name)
	case core.StatusFailed:
		return s.failed.Render(name)
	case core.StatusSkipped:
		return s.warning.Render(name)
	default:
		return s.dim.Render(name)
	}
}

func (s styles) severity(sev core.Severity) string {
	name := fmt.Sprintf("%-7s", sev)
	switch sev {
	case core.SeverityError:
		return s.failed.Render(name)
	case core.SeverityWarning:
		return s.warning.Render(name)
	default:
		return s.dim.Render(name)
	}
}

func (s styles) verdict(passed bool) string {
	if passed {
		return s.passed.Render("PASSED")
	}
	return s.failed.Render("FAILED")
}

func renderText(w io.Writer, r *Report) error {
	s := newStyles(w)
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n\n", s.header.Render("gateci "+r.Target), s.dim.Render("run "+r.ID))

	b.WriteString(s.section.Render("Stages") + "\n")
	for _, st := range r.Stages {
		detail := ""
		switch {
		case st.Status == core.StatusSkipped:
			detail = s.dim.Render(st.Reason)
		case st.Status.Terminal():
			detail = s.dim.Render(st.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintf(&b, "  %s %s %s\n", s.status(st.Status), s.label.Render(st.Stage), detail)
		if st.Error != "" && len(st.Violations) == 0 {
			fmt.Fprintf(&b, "          %s\n", s.failed.Render(st.Error))
		}
		for _, v := range st.Violations {
			fmt.Fprintf(&b, "          %s %s %s %s\n",
				s.severity(v.Severity), v.Location, s.dim.Render("["+v.RuleID+"]"), v.Message)
		}
	}

	if c := r.Coverage; c != nil {
		b.WriteString("\n" + s.section.Render("Coverage") + "\n")
		fmt.Fprintf(&b, "  %s %s %s\n", s.label.Render("overall"),
			fmt.Sprintf("%6.2f%% (%d/%d) minimum %.2f%%", c.Overall.Ratio*100, c.Overall.LinesCovered, c.Overall.LinesTotal, c.Minimum*100),
			s.verdict(c.Passed))
		for _, m := range c.Modules {
			fmt.Fprintf(&b, "  %s %6.2f%% %s\n", s.label.Render(m.Module), m.Ratio*100,
				s.dim.Render(fmt.Sprintf("(%d/%d)", m.LinesCovered, m.LinesTotal)))
		}
	}

	if len(r.Artifacts) > 0 {
		b.WriteString("\n" + s.section.Render("Artifacts") + "\n")
		for _, a := range r.Artifacts {
			fmt.Fprintf(&b, "  %s %s %s\n", s.label.Render(string(a.Kind)), a.Path,
				s.dim.Render(fmt.Sprintf("%d bytes sha256:%s", a.Size, a.SHA256)))
		}
	}

	if len(r.Published) > 0 {
		b.WriteString("\n" + s.section.Render("Published") + "\n")
		for _, p := range r.Published {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}

	counts := r.Counts()
	fmt.Fprintf(&b, "\n%s %s %s\n", s.verdict(r.Passed),
		s.dim.Render(fmt.Sprintf("exit %d", r.ExitCode)),
		s.dim.Render(fmt.Sprintf("%d passed, %d failed, %d skipped",
			counts[core.StatusPassed.String()], counts[core.StatusFailed.String()], counts[core.StatusSkipped.String()])))

	_, err := io.WriteString(w, b.String())
	return err
}
