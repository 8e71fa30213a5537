package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/rivo/tview"

	"agent_consensus/internal/auth"
	"agent_consensus/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
	token   string
}

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "consensusd base URL")
	interval := flag.Duration("interval", time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start consensusd in the same monitor process lifecycle")
	serverBinary := flag.String("server-bin", "", "path to consensusd binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded consensusd")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if *embedded {
		proc, err := startEmbeddedServer(*addr, *serverBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded consensusd: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "consensusd health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()

	headerView := tview.NewTextView().SetDynamicColors(true)
	headerView.SetTitle("Loop").SetBorder(true)

	timelineView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	timelineView.SetTitle("Phases").SetBorder(true)

	argumentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	argumentsView.SetTitle("Arguments").SetBorder(true)

	votesTable := tview.NewTable().SetBorders(false)
	votesTable.SetTitle("Votes").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+N new round",
		c.baseURL,
		*embedded,
	))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(timelineView, 6, 0, false).
		AddItem(argumentsView, 0, 1, false)
	body := tview.NewFlex().
		AddItem(left, 0, 3, false).
		AddItem(votesTable, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(headerView, 4, 0, false).
		AddItem(body, 0, 1, true).
		AddItem(statusView, 3, 0, false)

	var refreshVersion uint64
	var lastSeq int

	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		v := atomic.AddUint64(&refreshVersion, 1)
		snap, snapErr := c.loop()
		debate, debateErr := c.currentDebate()
		if atomic.LoadUint64(&refreshVersion) != v {
			return
		}
		app.QueueUpdateDraw(func() {
			if snapErr != nil {
				headerView.SetText(fmt.Sprintf("[red]loop error: %v[-]", snapErr))
			} else {
				headerView.SetText(renderHeader(snap) + "\n" + renderDebateSummary(debate))
				timelineView.SetText(renderTimeline(snap))
			}
			if debateErr != nil {
				argumentsView.SetText(fmt.Sprintf("error: %v", debateErr))
				return
			}
			var args []domain.Argument
			if debate != nil {
				args = debate.Arguments
			}
			argumentsView.SetText(renderArguments(args))
			if n := len(args); n > 0 && args[n-1].Seq != lastSeq {
				lastSeq = args[n-1].Seq
				argumentsView.ScrollToEnd()
			}
			renderVotesTable(votesTable, debate)
		})
	}

	createRound := func() {
		go func() {
			debate, err := c.createRound()
			if err != nil {
				setStatusAsync("Failed to create round: " + err.Error())
				return
			}
			setStatusAsync(fmt.Sprintf("Round %d created: %s", debate.Round, shortID(debate.ID)))
			refresh()
		}()
	}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		case tcell.KeyCtrlN:
			createRound()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(argumentsView).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr string, serverBinary string, dbPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", ":" + port, "--db", dbPath}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(serverBinary) != "" {
		cmd = exec.Command(serverBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "consensusd")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/consensusd"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start consensusd process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func (c *client) loop() (domain.Snapshot, error) {
	var out domain.Snapshot
	if err := c.getJSON("/loop", &out); err != nil {
		return domain.Snapshot{}, err
	}
	return out, nil
}

// currentDebate returns nil when the server has no active debate.
func (c *client) currentDebate() (*domain.Debate, error) {
	var out struct {
		Debate *domain.Debate `json:"debate"`
	}
	if err := c.getJSON("/debates/current", &out); err != nil {
		return nil, err
	}
	return out.Debate, nil
}

func (c *client) createRound() (domain.Debate, error) {
	if c.token == "" {
		var session auth.Session
		if err := c.postJSON("/auth/signin", map[string]any{"name": "monitor"}, &session, nil); err != nil {
			return domain.Debate{}, fmt.Errorf("sign in: %w", err)
		}
		c.token = session.Token
	}
	var out struct {
		Debate domain.Debate `json:"debate"`
	}
	headers := map[string]string{
		"Authorization":   "Bearer " + c.token,
		"Idempotency-Key": uuid.NewString(),
	}
	if err := c.postJSON("/debates", nil, &out, headers); err != nil {
		return domain.Debate{}, err
	}
	return out.Debate, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any, headers map[string]string) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
