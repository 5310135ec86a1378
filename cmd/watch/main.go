package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

// 简易事件观察台：连接仿真网关的 WS 事件流，滚动显示最近事件。

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	evStyle    = map[string]lipgloss.Style{
		"oracle_tick":         lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"order_submitted":     lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		"order_executed":      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"order_failed":        lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"position_liquidated": lipgloss.NewStyle().Foreground(lipgloss.Color("201")),
	}
)

const maxLines = 200

type wsEventMsg struct {
	line string
	kind string
}

type wsClosedMsg struct{ err error }

type model struct {
	url    string
	lines  []string
	kinds  []string
	count  int
	closed bool
	errMsg string
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case wsEventMsg:
		m.count++
		m.lines = append(m.lines, msg.line)
		m.kinds = append(m.kinds, msg.kind)
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
			m.kinds = m.kinds[len(m.kinds)-maxLines:]
		}
	case wsClosedMsg:
		m.closed = true
		if msg.err != nil {
			m.errMsg = msg.err.Error()
		}
	}
	return m, nil
}

func (m model) View() string {
	header := titleStyle.Render(fmt.Sprintf("perpsim watch — %s", m.url)) +
		dimStyle.Render(fmt.Sprintf("  events=%d  (q 退出)", m.count))

	body := ""
	start := 0
	if len(m.lines) > 30 {
		start = len(m.lines) - 30
	}
	for i := start; i < len(m.lines); i++ {
		style, ok := evStyle[m.kinds[i]]
		if !ok {
			style = dimStyle
		}
		body += style.Render(m.lines[i]) + "\n"
	}

	footer := ""
	if m.closed {
		footer = dimStyle.Render("连接已关闭 " + m.errMsg)
	}
	return header + "\n\n" + body + footer
}

type incoming struct {
	Type    string `json:"type"`
	Payload struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	} `json:"payload"`
}

func pump(url string, p *tea.Program) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		p.Send(wsClosedMsg{err: err})
		return
	}
	defer conn.Close()

	for {
		var msg incoming
		if err := conn.ReadJSON(&msg); err != nil {
			p.Send(wsClosedMsg{err: err})
			return
		}
		kind := msg.Payload.Event
		if msg.Type != "Event" {
			kind = msg.Type
		}
		compact := string(msg.Payload.Data)
		if len(compact) > 140 {
			compact = compact[:140] + "…"
		}
		p.Send(wsEventMsg{
			line: fmt.Sprintf("%s %-20s %s", time.Now().Format("15:04:05"), kind, compact),
			kind: kind,
		})
	}
}

func main() {
	host := flag.String("host", "localhost", "仿真网关主机")
	port := flag.Int("port", 8081, "WS 端口（HTTP 端口 + 1）")
	flag.Parse()

	url := fmt.Sprintf("ws://%s:%d/", *host, *port)
	p := tea.NewProgram(model{url: url})
	go pump(url, p)

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}
