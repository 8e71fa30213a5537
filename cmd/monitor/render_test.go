package main

import (
	"strings"
	"testing"
	"time"

	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_consensus/internal/domain"
)

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{2400, "40:00"},
		{2220, "37:00"},
		{59, "00:59"},
		{0, "00:00"},
		{-3, "00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatRemaining(tt.in))
	}
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "█████░░░░░", progressBar(50, 10))
	assert.Equal(t, "░░░░", progressBar(-10, 4))
	assert.Equal(t, "████", progressBar(250, 4))
	assert.Empty(t, progressBar(50, 0))
}

func TestRenderTimelineMarksCurrentPhase(t *testing.T) {
	out := renderTimeline(domain.Snapshot{Phase: domain.LoopPhaseDebating, PhaseProgressPercent: 50})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], ">"))
	assert.Contains(t, lines[0], "100%")
	assert.Contains(t, lines[1], " 50%")
	assert.Contains(t, lines[2], "  0%")
	assert.Contains(t, lines[3], "instant")
}

func TestRenderArguments(t *testing.T) {
	assert.Contains(t, renderArguments(nil), "no arguments")

	out := renderArguments([]domain.Argument{{
		Seq:        2,
		AgentID:    "agent-3",
		Agent:      &domain.Agent{Name: "哨兵"},
		Sentiment:  domain.SentimentBearish,
		Stock:      "STOCK7",
		Confidence: 0.61,
		Content:    "作为哨兵，我认为当前市场存在较大风险",
		CreatedAt:  time.Now(),
	}})
	assert.Contains(t, out, "#2")
	assert.Contains(t, out, "哨兵")
	assert.Contains(t, out, "看空")
	assert.Contains(t, out, "conf=0.61")
}

func TestScoreVotesNetsSentiment(t *testing.T) {
	bull, bear := "bullish", "bearish"
	scores := scoreVotes([]domain.Vote{
		{Stock: "STOCK2", Weight: 0.9, Reason: &bull},
		{Stock: "STOCK2", Weight: 1.2, Reason: &bear},
		{Stock: "STOCK3", Weight: 0.8, Reason: &bull},
		{Stock: "STOCK1", Weight: 0.8, Reason: &bull},
	})
	require.Len(t, scores, 3)
	assert.Equal(t, "STOCK1", scores[0].Stock)
	assert.Equal(t, "STOCK3", scores[1].Stock)
	assert.Equal(t, "STOCK2", scores[2].Stock)
	assert.InDelta(t, -0.3, scores[2].Net, 1e-9)
	assert.Equal(t, 2, scores[2].Votes)
}

func TestRenderVotesTable(t *testing.T) {
	table := tview.NewTable()
	renderVotesTable(table, nil)
	assert.Equal(t, "no votes", table.GetCell(1, 0).Text)

	bull := "bullish"
	target := "STOCK9"
	renderVotesTable(table, &domain.Debate{
		TargetStock: &target,
		Votes:       []domain.Vote{{Stock: "STOCK9", Weight: 0.7, Reason: &bull}},
	})
	assert.Equal(t, "STOCK9", table.GetCell(1, 0).Text)
	assert.Equal(t, "+0.70", table.GetCell(1, 1).Text)
	assert.Equal(t, "target", table.GetCell(1, 3).Text)
}

func TestTrimLineCountsRunes(t *testing.T) {
	assert.Equal(t, "短", trimLine("短", 10))
	assert.Equal(t, "一二三...", trimLine("一二三四五六七", 6))
}
