package model

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// LayerInfo describes one layer for display.
type LayerInfo struct {
	Name   string
	Kind   string
	Detail string
	Params int
}

// Layers lists the layers in forward order.
func (m *Model) Layers() []LayerInfo {
	conv := func(name string, c Conv2d) LayerInfo {
		s := c.Weight.Shape()
		return LayerInfo{
			Name:   name,
			Kind:   "Conv2d",
			Detail: fmt.Sprintf("channels=[%d, %d] kernel=[%d, %d] stride=[1, 1] padding=valid", s[1], s[0], s[2], s[3]),
			Params: c.Weight.Len() + c.Bias.Len(),
		}
	}
	linear := func(name string, l Linear) LayerInfo {
		s := l.Weight.Shape()
		return LayerInfo{
			Name:   name,
			Kind:   "Linear",
			Detail: fmt.Sprintf("d_input=%d d_output=%d bias=true", s[0], s[1]),
			Params: l.Weight.Len() + l.Bias.Len(),
		}
	}
	return []LayerInfo{
		conv("conv1", m.Conv1),
		conv("conv2", m.Conv2),
		{Name: "pool", Kind: "AdaptiveAvgPool2d", Detail: fmt.Sprintf("output_size=[%d, %d]", m.Pool.OutH, m.Pool.OutW)},
		{Name: "dropout", Kind: "Dropout", Detail: fmt.Sprintf("prob=%g", m.Dropout.Prob)},
		linear("linear1", m.Linear1),
		linear("linear2", m.Linear2),
		{Name: "activation", Kind: "Relu"},
	}
}

// WriteSummary renders the layer table followed by the parameter count.
func (m *Model) WriteSummary(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Layer", "Type", "Config", "Params"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, l := range m.Layers() {
		table.Append([]string{l.Name, l.Kind, l.Detail, strconv.Itoa(l.Params)})
	}
	table.SetFooter([]string{"", "", "total", strconv.Itoa(m.NumParams())})
	table.Render()
	fmt.Fprintf(w, "device: %s\n", m.Device())
}

func (m *Model) String() string {
	var sb strings.Builder
	m.WriteSummary(&sb)
	return sb.String()
}
