package moco

import (
	"fmt"
	"io"
	"strings"
)

// AverageMeter tracks the latest value and running average of a metric.
type AverageMeter struct {
	Name  string
	Fmt   string // verb for values, e.g. "%.4e"
	Val   float64
	Avg   float64
	Sum   float64
	Count int
}

func NewAverageMeter(name, format string) *AverageMeter {
	return &AverageMeter{Name: name, Fmt: format}
}

func (m *AverageMeter) Reset() {
	m.Val, m.Avg, m.Sum, m.Count = 0, 0, 0, 0
}

func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	m.Avg = m.Sum / float64(m.Count)
}

func (m *AverageMeter) String() string {
	return fmt.Sprintf("%s "+m.Fmt+" ("+m.Fmt+")", m.Name, m.Val, m.Avg)
}

// ProgressMeter prints one tab-separated line per call to Display.
type ProgressMeter struct {
	batchFmt string
	meters   []*AverageMeter
	prefix   string
}

func NewProgressMeter(numBatches int, prefix string, meters ...*AverageMeter) *ProgressMeter {
	width := len(fmt.Sprint(numBatches))
	return &ProgressMeter{
		batchFmt: fmt.Sprintf("[%%%dd/%d]", width, numBatches),
		meters:   meters,
		prefix:   prefix,
	}
}

func (p *ProgressMeter) Display(w io.Writer, batch int) {
	entries := []string{p.prefix + fmt.Sprintf(p.batchFmt, batch)}
	for _, m := range p.meters {
		entries = append(entries, m.String())
	}
	fmt.Fprintln(w, strings.Join(entries, "\t"))
}
