// Package tui is a terminal dashboard page: it watches uploads, the offline
// cache and the mutation queue through the background service.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/search"
	"github.com/mmcdole/kinosync/internal/tui/styles"
)

// Pane identifies a dashboard section
type Pane int

const (
	PaneUploads Pane = iota
	PaneCached
	PanePending
	paneCount
)

const statusTTL = 3 * time.Second

// uploadRow is one upload the dashboard has seen.
type uploadRow struct {
	ID     string
	Offset int64
	Total  int64
	State  domain.UploadState
	Done   bool
}

// Model is the dashboard state
type Model struct {
	backend Backend
	bridge  *EventBridge

	uploads []uploadRow
	cached  []domain.CachedAsset
	index   *search.Index
	visible []search.Result
	pending []domain.QueuedAction

	focus   Pane
	cursors [paneCount]int

	filter    textinput.Model
	filtering bool

	watch []string

	status      string
	statusError bool
	detached    bool
	showHelp    bool

	width  int
	height int
}

// NewModel creates a dashboard over b. watch lists upload ids to query on start.
func NewModel(b Backend, watch ...string) Model {
	ti := textinput.New()
	ti.Placeholder = "Filter cached videos..."
	ti.CharLimit = 100
	ti.Width = 40
	ti.Prompt = "/ "
	ti.PromptStyle = styles.AccentStyle
	ti.TextStyle = lipgloss.NewStyle().Foreground(styles.White)
	ti.PlaceholderStyle = styles.DimStyle

	return Model{
		backend: b,
		bridge:  NewEventBridge(b, 64),
		index:   search.NewIndex(nil),
		filter:  ti,
		watch:   watch,
		width:   80,
		height:  24,
	}
}

// Init loads the initial lists and starts listening for events
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.bridge.Wait(),
		LoadCachedCmd(m.backend),
		LoadPendingCmd(m.backend),
	}
	for _, id := range m.watch {
		cmds = append(cmds, UploadStatusCmd(m.backend, id))
	}
	return tea.Batch(cmds...)
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		cmd := m.handleEvent(msg.Event)
		return m, tea.Batch(cmd, m.bridge.Wait())

	case BridgeClosedMsg:
		m.detached = true
		return m, nil

	case CachedLoadedMsg:
		m.cached = msg.Videos
		m.index = search.NewIndex(m.cached)
		m.refilter()
		return m, nil

	case PendingLoadedMsg:
		m.pending = msg.Actions
		m.clampCursor(PanePending, len(m.pending))
		return m, nil

	case UploadStatusMsg:
		s := msg.Status
		if s.State == domain.UploadAbsent {
			m.upsertUpload(uploadRow{ID: s.UploadID, State: domain.UploadAbsent})
			return m, nil
		}
		m.upsertUpload(uploadRow{ID: s.UploadID, Offset: s.Offset, Total: s.Total, State: s.State})
		return m, nil

	case StatusMsg:
		m.status = msg.Text
		m.statusError = msg.IsError
		return m, ClearStatusCmd(msg.Text, statusTTL)

	case ClearStatusMsg:
		if m.status == msg.Text {
			m.status = ""
			m.statusError = false
		}
		return m, nil

	case ErrMsg:
		m.status = msg.Error()
		m.statusError = true
		return m, ClearStatusCmd(m.status, statusTTL)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filtering {
		switch {
		case key.Matches(msg, Keys.Escape):
			m.filtering = false
			m.filter.Blur()
			m.filter.SetValue("")
			m.refilter()
			return m, nil
		case msg.Type == tea.KeyEnter:
			m.filtering = false
			m.filter.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		m.refilter()
		return m, cmd
	}

	if m.showHelp {
		m.showHelp = false
		return m, nil
	}

	switch {
	case key.Matches(msg, Keys.Quit):
		m.bridge.Close()
		return m, tea.Quit

	case key.Matches(msg, Keys.Help):
		m.showHelp = true

	case key.Matches(msg, Keys.NextPane):
		m.focus = (m.focus + 1) % paneCount

	case key.Matches(msg, Keys.Up):
		if m.cursors[m.focus] > 0 {
			m.cursors[m.focus]--
		}

	case key.Matches(msg, Keys.Down):
		if m.cursors[m.focus] < m.paneLen(m.focus)-1 {
			m.cursors[m.focus]++
		}

	case key.Matches(msg, Keys.Home):
		m.cursors[m.focus] = 0

	case key.Matches(msg, Keys.End):
		if n := m.paneLen(m.focus); n > 0 {
			m.cursors[m.focus] = n - 1
		}

	case key.Matches(msg, Keys.Filter):
		m.focus = PaneCached
		m.filtering = true
		cmd := m.filter.Focus()
		return m, cmd

	case key.Matches(msg, Keys.Escape):
		if m.filter.Value() != "" {
			m.filter.SetValue("")
			m.refilter()
		}

	case key.Matches(msg, Keys.Refresh):
		return m, tea.Batch(LoadCachedCmd(m.backend), LoadPendingCmd(m.backend))

	case key.Matches(msg, Keys.Replay):
		return m, ReplayCmd(m.backend)

	case key.Matches(msg, Keys.Delete):
		return m, m.deleteSelected()
	}

	return m, nil
}

// deleteSelected cancels the selected upload or removes the selected video.
func (m *Model) deleteSelected() tea.Cmd {
	switch m.focus {
	case PaneUploads:
		if len(m.uploads) == 0 {
			return nil
		}
		row := m.uploads[m.cursors[PaneUploads]]
		if row.Done || row.State == domain.UploadAbsent {
			m.removeUpload(row.ID)
			return nil
		}
		return CancelUploadCmd(m.backend, row.ID)
	case PaneCached:
		if len(m.visible) == 0 {
			return nil
		}
		a := m.visible[m.cursors[PaneCached]].Asset
		return RemoveVideoCmd(m.backend, a.VideoID, a.VideoURL)
	}
	return nil
}

// handleEvent applies a broadcast and returns any follow-up load.
func (m *Model) handleEvent(evt domain.Event) tea.Cmd {
	switch evt.Type {
	case domain.EvtUploadProgress:
		var p domain.UploadProgressPayload
		if err := evt.Decode(&p); err != nil {
			return nil
		}
		m.upsertUpload(uploadRow{ID: p.UploadID, Offset: p.Offset, Total: p.Total, State: domain.UploadPending})

	case domain.EvtUploadComplete:
		var ref domain.UploadRef
		if err := evt.Decode(&ref); err != nil {
			return nil
		}
		row := m.findUpload(ref.UploadID)
		if row == nil {
			m.upsertUpload(uploadRow{ID: ref.UploadID, Done: true})
			return nil
		}
		row.Done = true
		row.Offset = row.Total

	case domain.EvtUploadCancelled:
		var ref domain.UploadRef
		if err := evt.Decode(&ref); err != nil {
			return nil
		}
		m.removeUpload(ref.UploadID)

	case domain.EvtVideoCached, domain.EvtVideoRemoved:
		return LoadCachedCmd(m.backend)

	case domain.EvtActionQueued:
		return LoadPendingCmd(m.backend)

	case domain.EvtActionsReplayed:
		var p domain.ActionsReplayedPayload
		if err := evt.Decode(&p); err != nil {
			return LoadPendingCmd(m.backend)
		}
		text := fmt.Sprintf("Replayed %d, %d remaining", p.Replayed, p.Remaining)
		m.status = text
		m.statusError = false
		return tea.Batch(LoadPendingCmd(m.backend), ClearStatusCmd(text, statusTTL))
	}
	return nil
}

func (m *Model) findUpload(id string) *uploadRow {
	for i := range m.uploads {
		if m.uploads[i].ID == id {
			return &m.uploads[i]
		}
	}
	return nil
}

func (m *Model) upsertUpload(row uploadRow) {
	if existing := m.findUpload(row.ID); existing != nil {
		*existing = row
		return
	}
	m.uploads = append(m.uploads, row)
}

func (m *Model) removeUpload(id string) {
	for i := range m.uploads {
		if m.uploads[i].ID == id {
			m.uploads = append(m.uploads[:i], m.uploads[i+1:]...)
			break
		}
	}
	m.clampCursor(PaneUploads, len(m.uploads))
}

// refilter recomputes the visible cached videos from the filter query.
func (m *Model) refilter() {
	m.visible = m.index.Filter(m.filter.Value())
	m.clampCursor(PaneCached, len(m.visible))
}

func (m *Model) clampCursor(p Pane, n int) {
	if m.cursors[p] >= n {
		m.cursors[p] = max(n-1, 0)
	}
}

func (m Model) paneLen(p Pane) int {
	switch p {
	case PaneUploads:
		return len(m.uploads)
	case PaneCached:
		return len(m.visible)
	case PanePending:
		return len(m.pending)
	}
	return 0
}
