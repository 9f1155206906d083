package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/netrun/inference"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info PARAM",
		Short: "List the operators of a structure description",
		Args:  cobra.ExactArgs(1),
		RunE:  InfoHandler,
	}
	cmd.Flags().Bool("binary", false, "Read the binary structure variant")
	return cmd
}

// InfoHandler loads a structure description and prints its operators.
func InfoHandler(cmd *cobra.Command, args []string) error {
	binary, err := cmd.Flags().GetBool("binary")
	if err != nil {
		return err
	}
	g := inference.New(inference.DefaultOptions())
	defer g.Clear() //nolint:errcheck
	load := g.LoadParamFile
	if binary {
		load = g.LoadParamBinFile
	}
	if err := load(args[0]); err != nil {
		return err
	}
	writeInfo(cmd.OutOrStdout(), g)
	return nil
}

func writeInfo(w io.Writer, g *inference.Graph) {
	slots := g.Slots()
	names := func(idx []int) string {
		s := make([]string, len(idx))
		for i, k := range idx {
			s[i] = slots[k].Name
		}
		return strings.Join(s, ",")
	}

	var data [][]string
	for _, l := range g.Layers() {
		data = append(data, []string{strconv.Itoa(l.Index), l.TypeName, l.Name, names(l.Inputs), names(l.Outputs)})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "TYPE", "NAME", "INPUTS", "OUTPUTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\n%d layers, %d slots, inputs: %s, outputs: %s\n",
		g.LayerCount(), g.SlotCount(), names(g.Inputs()), names(g.Outputs()))
}
