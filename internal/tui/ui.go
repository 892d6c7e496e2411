// Package tui renders a live view of a running pool.
package tui

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	units "github.com/docker/go-units"
)

const (
	tableTitle      = "Workers"
	filterPageName  = "filter"
	defaultInterval = time.Second
)

// Source takes one reading of the pool.
type Source func(ctx context.Context) (Snapshot, error)

// Option configures UI behaviour.
type Option func(*UI)

// WithInterval sets how often the pool is read.
func WithInterval(d time.Duration) Option {
	return func(u *UI) {
		if d > 0 {
			u.interval = d
		}
	}
}

// UI is the interactive pool view backed by tview.
type UI struct {
	app     *tview.Application
	pages   *tview.Pages
	header  *tview.TextView
	table   *tview.Table
	source  Source
	tracker *Tracker

	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	filter     string
	filterExpr *regexp.Regexp
	visible    []WorkerStatus

	refreshNow chan struct{}
	stopOnce   sync.Once
}

// New constructs a UI reading the pool through source.
func New(source Source, opts ...Option) *UI {
	app := tview.NewApplication()

	header := tview.NewTextView().SetDynamicColors(true)
	header.SetBorder(true).SetTitle("Master")

	table := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 4, 0, false).
		AddItem(table, 0, 1, true)
	pages := tview.NewPages().AddPage("main", flex, true, true)

	u := &UI{
		app:        app,
		pages:      pages,
		header:     header,
		table:      table,
		source:     source,
		tracker:    NewTracker(),
		interval:   defaultInterval,
		now:        time.Now,
		refreshNow: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(u)
	}

	app.SetRoot(pages, true)
	app.SetInputCapture(u.handleKey)
	u.render()
	return u
}

// Run polls the pool and drives the terminal until the user quits or ctx is
// cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u.poll(ctx)
	}()
	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()
	cancel()
	wg.Wait()
	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(u.app.Stop)
}

func (u *UI) poll(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		u.tracker.Observe(u.source(ctx))
		u.app.QueueUpdateDraw(u.render)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-u.refreshNow:
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.pages.HasPage(filterPageName) {
		return event
	}
	switch event.Key() {
	case tcell.KeyEscape:
		u.applyFilter("")
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case 'r', 'R':
			select {
			case u.refreshNow <- struct{}{}:
			default:
			}
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		}
	}
	return event
}

func (u *UI) showFilterPrompt() {
	u.mu.Lock()
	current := u.filter
	u.mu.Unlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			u.applyFilter(input.GetText())
		}
		u.pages.RemovePage(filterPageName)
		u.app.SetFocus(u.table)
	})
	input.SetBorder(true).SetTitle("Filter by PIN or command")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 3, 0).
		AddItem(input, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.header.SetText(fmt.Sprintf("[red]invalid filter: %v", err))
			return
		}
	}
	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.render()
}

// render redraws header and table from the tracker. It runs on the tview
// goroutine once the application is running.
func (u *UI) render() {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	summary := u.tracker.Summary()
	u.header.SetText(headerText(summary, now))

	u.table.Clear()
	headers := []string{"PIN", "PID", "STATE", "RESTARTS", "AGE", "RSS", "CPU", "COMMAND"}
	for col, h := range headers {
		u.table.SetCell(0, col, tview.NewTableCell(h).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	u.visible = u.visible[:0]
	for _, w := range u.tracker.Workers() {
		if u.filterExpr != nil && !u.filterExpr.MatchString(strconv.Itoa(w.PIN)) && !u.filterExpr.MatchString(w.Command) {
			continue
		}
		u.visible = append(u.visible, w)
	}
	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for i, w := range u.visible {
		row := i + 1
		color := tcell.ColorDefault
		switch w.State {
		case StateMissing:
			color = tcell.ColorRed
		case StateStale:
			color = tcell.ColorYellow
		}
		for col, value := range workerRow(w, now) {
			u.table.SetCell(row, col, tview.NewTableCell(value).SetTextColor(color))
		}
	}
}

func headerText(s Summary, now time.Time) string {
	if s.MasterPID == 0 && s.Err == nil {
		return "waiting for the first reading"
	}
	var b strings.Builder
	if s.Master {
		fmt.Fprintf(&b, "master [green]%d[-]  workers %d/%d  restarts %d", s.MasterPID, s.Running, s.Expected, s.Restarts)
	} else {
		fmt.Fprintf(&b, "master [red]%d exited[-]", s.MasterPID)
	}
	if !s.Taken.IsZero() {
		fmt.Fprintf(&b, "  updated %s ago", units.HumanDuration(now.Sub(s.Taken)))
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "\n[red]%v[-]", s.Err)
	}
	return b.String()
}

func workerRow(w WorkerStatus, now time.Time) []string {
	pin := "-"
	if w.PIN >= 0 {
		pin = strconv.Itoa(w.PIN)
	}
	pid := "-"
	if w.PID > 0 {
		pid = strconv.Itoa(w.PID)
	}
	age := "-"
	if !w.Started.IsZero() && w.State != StateMissing {
		elapsed := now.Sub(w.Started)
		if elapsed < 0 {
			elapsed = 0
		}
		age = units.HumanDuration(elapsed)
	}
	rss := "-"
	if w.RSS > 0 {
		rss = units.BytesSize(float64(w.RSS))
	}
	cpu := "-"
	if w.State != StateMissing {
		cpu = fmt.Sprintf("%.1f%%", w.CPU)
	}
	command := w.Command
	if len(command) > 80 {
		command = command[:77] + "..."
	}
	if command == "" {
		command = "-"
	}
	return []string{pin, pid, string(w.State), strconv.Itoa(w.Restarts), age, rss, cpu, command}
}
