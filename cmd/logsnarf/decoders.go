package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"logsnarf/internal/decoder"
)

func newDecodersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decoders",
		Short: "Print the active decoder table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			table, err := cfg.DecoderTable()
			if err != nil {
				return err
			}
			return printDecoders(cmd.OutOrStdout(), table)
		},
	}
}

func printDecoders(w io.Writer, table []decoder.Decoder) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMATCH\tTAGS\tFIELDS")
	for _, d := range table {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Match, strings.Join(d.Tags, ","), strings.Join(d.Fields, ","))
	}
	return tw.Flush()
}
