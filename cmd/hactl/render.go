package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// printer writes results as a table or as indented JSON.
type printer struct {
	out    io.Writer
	json   bool
	styled bool
}

// print renders v as JSON, or as a table of headers and rows.
func (p *printer) print(v any, headers []string, rows [][]string) error {
	if p.json {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.out, "no results")
		return err
	}

	t := table.New().Headers(headers...).Rows(rows...)
	if p.styled {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(borderStyle).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			StyleFunc(func(int, int) lipgloss.Style { return cellStyle })
	}
	_, err := fmt.Fprintln(p.out, t.String())
	return err
}

// count prints a one-line confirmation, or {"count": n} in JSON mode.
func (p *printer) count(n int, what string) error {
	if p.json {
		return p.print(map[string]int{"count": n}, nil, nil)
	}
	_, err := fmt.Fprintf(p.out, "%d %s\n", n, what)
	return err
}

func (p *printer) done(format string, args ...any) error {
	if p.json {
		return p.print(map[string]string{"result": fmt.Sprintf(format, args...)}, nil, nil)
	}
	_, err := fmt.Fprintf(p.out, format+"\n", args...)
	return err
}

func itoa(n int) string { return strconv.Itoa(n) }

func optID(id *int) string {
	if id == nil {
		return "-"
	}
	return strconv.Itoa(*id)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
