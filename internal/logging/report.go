package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// #region report
var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// Reporter prints the periodic progress table: a header from the main
// rank, then one row per rank.
type Reporter struct {
	Out         io.Writer
	Train       bool
	GPU         bool
	Distributed bool
	Rank        int
	// Styled renders the header with lipgloss.
	Styled bool
}

// NewReporter writes to stdout and styles the header when stdout is a
// terminal.
func NewReporter(train, gpu, distributed bool, rank int) *Reporter {
	return &Reporter{
		Out:         os.Stdout,
		Train:       train,
		GPU:         gpu,
		Distributed: distributed,
		Rank:        rank,
		Styled:      term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Row is the per-rank content of one report.
type Row struct {
	// NetTime is forward plus backward wall time; IterTime the whole
	// iteration, both in seconds.
	NetTime  float64
	IterTime float64
	Memory   Memory
	// Loss and Accuracy are -1 when the result does not carry them.
	Loss     float64
	Accuracy float64
}

func (r *Reporter) columns() (keys []string, widths []int) {
	proc, device := "Inference", "CPU"
	if r.Train {
		proc = "Train"
	}
	if r.GPU {
		device = "GPU"
	}
	keys = []string{proc + " time", device + " memory", "Loss", "Accuracy"}
	widths = []int{20, 20, 9, 9}
	if r.Distributed {
		keys = append([]string{"Rank"}, keys...)
		widths = append([]int{5}, widths...)
	}
	return keys, widths
}

// Header prints the iteration line and the table header.
func (r *Reporter) Header(iteration int64, epoch float64, stamp string) error {
	keys, widths := r.columns()
	header := formatCells(keys, widths)
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w+1)
	}
	separator := "  |" + strings.Join(sep, "+") + "|"
	if r.Styled {
		header = headerStyle.Render(header)
	}
	_, err := fmt.Fprintf(r.Out, "Iter. %d (epoch %.3f) @ %s\n%s\n%s\n", iteration, epoch, stamp, header, separator)
	return err
}

// Row prints the row of this rank.
func (r *Reporter) Row(row Row) error {
	_, widths := r.columns()
	perc := 0.0
	if row.IterTime > 0 {
		perc = 100 * row.NetTime / row.IterTime
	}
	mem, memPerc := row.Memory.CPU, row.Memory.CPUPerc
	if r.GPU {
		mem, memPerc = row.Memory.GPU, row.Memory.GPUPerc
	}
	values := []string{
		fmt.Sprintf("%0.2f s (%0.2f %%)", row.NetTime, perc),
		fmt.Sprintf("%0.2f GB (%0.2f %%)", mem, memPerc),
		fmt.Sprintf("%0.3f", row.Loss),
		fmt.Sprintf("%0.3f", row.Accuracy),
	}
	if r.Distributed {
		values = append([]string{fmt.Sprint(r.Rank)}, values...)
	}
	_, err := fmt.Fprintln(r.Out, formatCells(values, widths))
	return err
}

// Footer ends a report with an empty line.
func (r *Reporter) Footer() error {
	_, err := fmt.Fprintln(r.Out)
	return err
}

func formatCells(cells []string, widths []int) string {
	padded := make([]string, len(cells))
	for i, c := range cells {
		padded[i] = fmt.Sprintf("%-*s", widths[i], c)
	}
	return "  | " + strings.Join(padded, "| ") + "|"
}

// ReportDue reports whether iteration closes a report_step window.
func ReportDue(iteration int64, step int) bool {
	return step > 0 && (iteration+1)%int64(step) == 0
}
// #endregion report
