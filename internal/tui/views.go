package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/tui/styles"
)

// ChromeHeight is the number of lines taken by header and footer
const ChromeHeight = 3

// View renders the dashboard
func (m Model) View() string {
	if m.showHelp {
		return m.renderHelp()
	}

	sections := []string{
		m.renderHeader(),
		m.renderPane(PaneUploads, "Uploads", m.uploadLines()),
		m.renderPane(PaneCached, "Offline videos", m.cachedLines()),
		m.renderPane(PanePending, "Queued actions", m.pendingLines()),
		m.renderFooter(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	conn := styles.SuccessStyle.Render(styles.OnlineChar + " attached")
	if m.detached {
		conn = styles.ErrorStyle.Render(styles.OfflineChar + " detached")
	}
	badges := []string{
		styles.DimBadgeStyle.Render(fmt.Sprintf("%d uploads", len(m.uploads))),
		styles.DimBadgeStyle.Render(fmt.Sprintf("%d cached", len(m.cached))),
	}
	if n := len(m.pending); n > 0 {
		badges = append(badges, styles.BadgeStyle.Render(fmt.Sprintf("%d queued", n)))
	}
	return styles.TitleStyle.Render("kinosync") + "  " + conn + "  " + strings.Join(badges, " ")
}

// paneHeight splits the content area evenly between the three panes.
func (m Model) paneHeight() int {
	h := (m.height-ChromeHeight)/int(paneCount) - 2
	return max(h, 1)
}

func (m Model) renderPane(p Pane, title string, lines []string) string {
	border := styles.InactiveBorder
	if m.focus == p {
		border = styles.ActiveBorder
	}
	width := max(m.width-2, 10)

	height := m.paneHeight()
	start := 0
	if cur := m.cursors[p]; cur >= height {
		start = cur - height + 1
	}
	end := min(start+height, len(lines))

	body := styles.DimStyle.Render("(empty)")
	if len(lines) > 0 {
		body = strings.Join(lines[start:end], "\n")
	}

	head := styles.AccentStyle.Render(title)
	if p == PaneCached && (m.filtering || m.filter.Value() != "") {
		head += "  " + m.filter.View()
	}
	return border.Width(width).Render(head + "\n" + body)
}

func (m Model) uploadLines() []string {
	width := max(m.width-4, 10)
	lines := make([]string, len(m.uploads))
	for i, u := range m.uploads {
		lines[i] = RenderUploadRow(u, m.focus == PaneUploads && m.cursors[PaneUploads] == i, width)
	}
	return lines
}

func (m Model) cachedLines() []string {
	width := max(m.width-4, 10)
	lines := make([]string, len(m.visible))
	for i, r := range m.visible {
		selected := m.focus == PaneCached && m.cursors[PaneCached] == i
		caption := r.Asset.Caption
		if caption == "" {
			caption = r.Asset.VideoID
		} else if !selected {
			caption = styles.Highlight(caption, r.MatchedIndexes)
		}
		parts := []styles.RowPart{
			{Text: caption},
			{Text: "  " + formatBytes(r.Asset.Size), Foreground: &styles.DimGray},
		}
		lines[i] = styles.RenderListRow(parts, selected, width)
	}
	return lines
}

func (m Model) pendingLines() []string {
	width := max(m.width-4, 10)
	lines := make([]string, len(m.pending))
	for i, a := range m.pending {
		parts := []styles.RowPart{
			{Text: fmt.Sprintf("#%d ", a.ID), Foreground: &styles.DimGray},
			{Text: fmt.Sprintf("%-8s %-6s %s", a.Type, a.Method, a.Endpoint)},
		}
		lines[i] = styles.RenderListRow(parts, m.focus == PanePending && m.cursors[PanePending] == i, width)
	}
	return lines
}

// RenderUploadRow renders one upload with its progress bar
func RenderUploadRow(u uploadRow, selected bool, width int) string {
	var state string
	var color *lipgloss.Color
	switch {
	case u.Done:
		state, color = "done", &styles.Green
	case u.State == domain.UploadAbsent:
		state, color = "unknown", &styles.Red
	default:
		state = fmt.Sprintf("%s / %s", formatBytes(u.Offset), formatBytes(u.Total))
	}

	idWidth := min(24, width/3)
	barWidth := max(width-idWidth-len(state)-6, 0)
	parts := []styles.RowPart{
		{Text: styles.Pad(styles.Truncate(u.ID, idWidth), idWidth) + " "},
	}
	if u.Total > 0 && barWidth >= 3 {
		parts = append(parts, styles.RowPart{Text: styles.RenderProgressBar(u.Offset, u.Total, barWidth) + " "})
	}
	parts = append(parts, styles.RowPart{Text: state, Foreground: color})
	return styles.RenderListRow(parts, selected, width)
}

// renderFooter renders a single-line footer: status on the left, hints on the right
func (m Model) renderFooter() string {
	left := ""
	if m.status != "" {
		if m.statusError {
			left = styles.ErrorStyle.Render(m.status)
		} else {
			left = styles.AccentStyle.Render(m.status)
		}
	}

	hints := []string{
		styles.HelpKeyStyle.Render("tab") + styles.HelpDescStyle.Render(" pane"),
		styles.HelpKeyStyle.Render("/") + styles.HelpDescStyle.Render(" filter"),
		styles.HelpKeyStyle.Render("x") + styles.HelpDescStyle.Render(" cancel/remove"),
		styles.HelpKeyStyle.Render("?") + styles.HelpDescStyle.Render(" help"),
	}
	right := strings.Join(hints, "  ")

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return left + strings.Repeat(" ", gap) + right
}

// renderHelp renders the help screen
func (m Model) renderHelp() string {
	help := `
NAVIGATION                      ACTIONS
  j/k        Up/down               x      Cancel upload / remove video
  g/Home     First item            R      Replay queued actions
  G/End      Last item             r      Refresh lists
  tab        Next pane             /      Filter offline videos

OTHER
  esc        Clear filter
  q          Quit
  ?          This help

Press any key to close.`

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
		styles.ActiveBorder.Padding(1, 2).Render(strings.TrimPrefix(help, "\n")))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
