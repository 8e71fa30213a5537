package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agent_consensus/internal/domain"
	"agent_consensus/internal/loop"
)

var phaseOrder = []domain.LoopPhase{
	domain.LoopPhaseSensing,
	domain.LoopPhaseDebating,
	domain.LoopPhaseTrading,
	domain.LoopPhaseReviewing,
}

var phaseLabels = map[domain.LoopPhase]string{
	domain.LoopPhaseSensing:   "感知",
	domain.LoopPhaseDebating:  "辩论",
	domain.LoopPhaseTrading:   "交易",
	domain.LoopPhaseReviewing: "复盘",
}

func formatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func progressBar(percent float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(width, filled))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func renderHeader(s domain.Snapshot) string {
	return fmt.Sprintf(
		"[::b]Round %d[-:-:-]  phase=[yellow]%s[-]  minute %d/%d  remaining [green]%s[-]  total %s %.0f%%",
		s.Round,
		s.Phase,
		s.CurrentMinute,
		s.TotalMinutes,
		formatRemaining(s.RemainingSeconds),
		progressBar(s.TotalProgressPercent, 20),
		s.TotalProgressPercent,
	)
}

// renderTimeline draws one line per phase. Finished phases are full, the
// current phase shows its own progress.
func renderTimeline(s domain.Snapshot) string {
	current := s.Phase.Order()
	var b strings.Builder
	for i, phase := range phaseOrder {
		start, end, _ := loop.PhaseBounds(phase)
		var percent float64
		switch {
		case i < current:
			percent = 100
		case i == current:
			percent = s.PhaseProgressPercent
		}
		marker, color := " ", "gray"
		switch {
		case i == current:
			marker, color = ">", "yellow"
		case i < current:
			color = "green"
		}
		span := fmt.Sprintf("%2d-%2dm", start, end)
		if start == end {
			span = "instant"
		}
		fmt.Fprintf(&b, "%s [%s]%-4s %-9s %-10s %s %3.0f%%[-]\n",
			marker, color, phaseLabels[phase], phase, span, progressBar(percent, 24), percent)
	}
	return b.String()
}

func renderArguments(args []domain.Argument) string {
	if len(args) == 0 {
		return "[gray]no arguments yet[-]"
	}
	var b strings.Builder
	for _, arg := range args {
		name := arg.AgentID
		if arg.Agent != nil && arg.Agent.Name != "" {
			name = arg.Agent.Name
		}
		fmt.Fprintf(&b, "[gray]#%d %s[-] [::b]%s[-:-:-] %s %s conf=%.2f\n  %s\n",
			arg.Seq,
			arg.CreatedAt.Local().Format("15:04:05"),
			tview.Escape(name),
			sentimentTag(arg.Sentiment),
			tview.Escape(arg.Stock),
			arg.Confidence,
			tview.Escape(trimLine(arg.Content, 160)),
		)
	}
	return b.String()
}

func sentimentTag(s domain.Sentiment) string {
	switch s {
	case domain.SentimentBullish:
		return "[red]看多[-]"
	case domain.SentimentBearish:
		return "[green]看空[-]"
	default:
		return "[white]中性[-]"
	}
}

type stockScore struct {
	Stock string
	Net   float64
	Votes int
}

// scoreVotes nets vote weights per stock, bearish reasons counting negative.
func scoreVotes(votes []domain.Vote) []stockScore {
	byStock := make(map[string]*stockScore)
	for _, v := range votes {
		s, ok := byStock[v.Stock]
		if !ok {
			s = &stockScore{Stock: v.Stock}
			byStock[v.Stock] = s
		}
		s.Votes++
		if v.Reason != nil && domain.Sentiment(*v.Reason) == domain.SentimentBearish {
			s.Net -= v.Weight
		} else if v.Reason == nil || domain.Sentiment(*v.Reason) == domain.SentimentBullish {
			s.Net += v.Weight
		}
	}
	out := make([]stockScore, 0, len(byStock))
	for _, s := range byStock {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Net != out[j].Net {
			return out[i].Net > out[j].Net
		}
		return out[i].Stock < out[j].Stock
	})
	return out
}

func renderVotesTable(table *tview.Table, debate *domain.Debate) {
	table.Clear()
	headers := []string{"Stock", "Net", "Votes", ""}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	if debate == nil || len(debate.Votes) == 0 {
		table.SetCell(1, 0, tview.NewTableCell("no votes").SetTextColor(tview.Styles.ContrastSecondaryTextColor))
		return
	}
	target := ""
	if debate.TargetStock != nil {
		target = *debate.TargetStock
	}
	for row, s := range scoreVotes(debate.Votes) {
		mark := ""
		if s.Stock == target {
			mark = "target"
		}
		table.SetCell(row+1, 0, tview.NewTableCell(s.Stock))
		table.SetCell(row+1, 1, tview.NewTableCell(fmt.Sprintf("%+.2f", s.Net)))
		table.SetCell(row+1, 2, tview.NewTableCell(fmt.Sprintf("%d", s.Votes)))
		table.SetCell(row+1, 3, tview.NewTableCell(mark).SetTextColor(tcell.ColorYellow))
	}
}

func renderDebateSummary(debate *domain.Debate) string {
	if debate == nil {
		return "[gray]no active debate[-]"
	}
	target := "-"
	if debate.TargetStock != nil {
		target = *debate.TargetStock
	}
	return fmt.Sprintf("debate %s  round %d  status %s  target %s  arguments %d",
		shortID(debate.ID), debate.Round, debate.Status, target, len(debate.Arguments))
}

func trimLine(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
