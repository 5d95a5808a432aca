package coalesce

import (
	"fmt"
	"strings"

	"github.com/lemonhq/lemon/internal/gateway"
)

// Renderer turns the ordered action list into the status-message body.
type Renderer struct {
	// Limit caps the number of actions shown, newest last. 0 shows all.
	Limit int

	// Decorations enables per-action annotations (subagent role, command
	// status). Non-interactive channels leave them off.
	Decorations bool
}

// Render produces the status text, or "" when there are no actions.
func (r Renderer) Render(actions []gateway.EngineAction) string {
	if len(actions) == 0 {
		return ""
	}

	omitted := 0
	if r.Limit > 0 && len(actions) > r.Limit {
		omitted = len(actions) - r.Limit
		actions = actions[omitted:]
	}

	var b strings.Builder
	b.WriteString("Tool calls:\n")
	if omitted > 0 {
		fmt.Fprintf(&b, "- (%d tools omitted)\n", omitted)
	}
	for _, a := range actions {
		b.WriteString(r.renderLine(a))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r Renderer) renderLine(a gateway.EngineAction) string {
	title := a.Title
	if title == "" {
		title = string(a.Kind)
	}

	var line strings.Builder
	switch a.Phase {
	case gateway.PhaseCompleted:
		mark := "ok"
		if a.OK != nil && !*a.OK {
			mark = "err"
		}
		fmt.Fprintf(&line, "- [%s] %s%s", mark, title, r.extra(a))
		if preview := strings.TrimSpace(a.Detail.ResultPreview); preview != "" {
			fmt.Fprintf(&line, " -> %s", preview)
		}
	default:
		fmt.Fprintf(&line, "- [running] %s%s", title, r.extra(a))
	}
	return line.String()
}

func (r Renderer) extra(a gateway.EngineAction) string {
	if !r.Decorations {
		return ""
	}
	switch {
	case a.Kind == gateway.ActionSubagent:
		var parts []string
		if a.CallerEngine != "" {
			parts = append(parts, "engine="+a.CallerEngine)
		}
		if a.Detail.Role != "" {
			parts = append(parts, "role="+a.Detail.Role)
		}
		if a.Detail.AsyncVia != "" {
			parts = append(parts, "async via="+a.Detail.AsyncVia)
		}
		if len(parts) == 0 {
			return ""
		}
		return " (" + strings.Join(parts, " ") + ")"
	case a.Kind == gateway.ActionCommand || a.Detail.Command != "":
		var parts []string
		if a.Detail.Status != "" {
			parts = append(parts, "status="+a.Detail.Status)
		}
		if a.Detail.ExitCode != nil {
			parts = append(parts, fmt.Sprintf("exit=%d", *a.Detail.ExitCode))
		}
		var out string
		if len(parts) > 0 {
			out = " (" + strings.Join(parts, " ") + ")"
		}
		if a.Detail.Command != "" {
			out += fmt.Sprintf(" cmd: %q", a.Detail.Command)
		}
		return out
	}
	return ""
}
