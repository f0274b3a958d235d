// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report renders the console tables of the training and inspection tools.
package report

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bestRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	// TitleStyle is used for the titles printed before each table.
	TitleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// Table is a lipgloss table with alternating row styles, where some rows can be highlighted.
type Table struct {
	*lgtable.Table
	count       int
	highlighted map[int]bool
}

// NewTable creates a table with the given column headers (none if empty). alignments are given per column,
// the last one being used for the remaining columns. The default is left aligned.
func NewTable(headers []string, alignments ...lipgloss.Position) *Table {
	t := &Table{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.highlighted[row]:
				s = bestRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	if len(headers) > 0 {
		t.Table.Headers(headers...)
	}
	return t
}

// Row appends a row, highlighted if requested.
func (t *Table) Row(highlight bool, cells ...string) {
	if highlight {
		t.highlighted[t.count] = true
	}
	t.Table.Row(cells...)
	t.count++
}

// NumRows added so far.
func (t *Table) NumRows() int { return t.count }

// FormatLoss formats a loss value for the tables.
func FormatLoss(loss float64) string {
	return fmt.Sprintf("%.6f", loss)
}

// ClassLosses holds the losses of one decoder class in one epoch.
type ClassLosses struct {
	Class string

	// NumTrainBatches used to train the class in the epoch.
	NumTrainBatches int

	// Train is the batch-weighted mean of the training losses, Dev the evaluation loss on the dev split.
	Train, Dev float64
}

// EpochLosses formats the per-class losses of an epoch, followed by a total row with the overall dev loss.
// The total row is highlighted if isBest.
func EpochLosses(epoch int, classes []ClassLosses, train, dev float64, isBest bool) string {
	table := NewTable([]string{"Class", "Batches", "Train loss", "Dev loss"}, lipgloss.Left, lipgloss.Right)
	total := 0
	for _, c := range classes {
		table.Row(false, c.Class, humanize.Comma(int64(c.NumTrainBatches)), FormatLoss(c.Train), FormatLoss(c.Dev))
		total += c.NumTrainBatches
	}
	label := "total"
	if isBest {
		label = "total (best)"
	}
	table.Row(isBest, label, humanize.Comma(int64(total)), FormatLoss(train), FormatLoss(dev))
	return fmt.Sprintf("%s\n%s", TitleStyle.Render(fmt.Sprintf("Epoch %d", epoch)), table.Render())
}

// GroupSummary holds the size of one parameter group.
type GroupSummary struct {
	Group        string
	NumVariables int
	NumParams    int
	Bytes        uint64

	// Steps is the number of optimizer updates applied to the group, or -1 if unknown.
	Steps int64
}

// SummarizeGroups collects the trainable variables under ctx's current scope into their groups, as assigned by
// groupOf (from the variables' absolute scope). groups gives the order of the rows, variables of unknown
// groups are collected in a trailing "(other)" row. steps, if not nil, are reported per group.
func SummarizeGroups(ctx *context.Context, groups []string, groupOf func(scope string) string,
	steps map[string]int64) []GroupSummary {
	summaries := make([]GroupSummary, len(groups)+1)
	for ii, group := range groups {
		summaries[ii].Group = group
		summaries[ii].Steps = -1
		if step, found := steps[group]; found {
			summaries[ii].Steps = step
		}
	}
	other := &summaries[len(groups)]
	other.Group = "(other)"
	other.Steps = -1
	for v := range ctx.IterVariablesInScope() {
		if !v.Trainable {
			continue
		}
		summary := other
		if idx := slices.Index(groups, groupOf(v.Scope())); idx >= 0 {
			summary = &summaries[idx]
		}
		summary.NumVariables++
		summary.NumParams += v.Shape().Size()
		summary.Bytes += uint64(v.Shape().Memory())
	}
	if other.NumVariables == 0 {
		summaries = summaries[:len(groups)]
	}
	return summaries
}

// Groups formats the parameter-group summaries, with a total row.
func Groups(summaries []GroupSummary) string {
	table := NewTable([]string{"Group", "# variables", "# parameters", "# bytes", "Steps"},
		lipgloss.Left, lipgloss.Right)
	var numVars, numParams int
	var numBytes uint64
	for _, s := range summaries {
		steps := "-"
		if s.Steps >= 0 {
			steps = humanize.Comma(s.Steps)
		}
		table.Row(false, s.Group, humanize.Comma(int64(s.NumVariables)), humanize.Comma(int64(s.NumParams)),
			humanize.Bytes(s.Bytes), steps)
		numVars += s.NumVariables
		numParams += s.NumParams
		numBytes += s.Bytes
	}
	table.Row(true, "total", humanize.Comma(int64(numVars)), humanize.Comma(int64(numParams)),
		humanize.Bytes(numBytes), "")
	return fmt.Sprintf("%s\n%s", TitleStyle.Render("Parameter groups"), table.Render())
}

// KeyValues formats a two-column table, in the given order.
func KeyValues(title string, keys []string, values map[string]string) string {
	table := NewTable(nil, lipgloss.Right, lipgloss.Left)
	for _, key := range keys {
		table.Row(false, key, values[key])
	}
	var sb strings.Builder
	if title != "" {
		sb.WriteString(TitleStyle.Render(title))
		sb.WriteString("\n")
	}
	sb.WriteString(table.Render())
	return sb.String()
}
