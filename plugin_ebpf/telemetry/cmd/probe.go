/*
 * @Author: CALM.WU
 * @Date: 2024-03-29 10:12:44
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-29 11:40:37
 */

package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/loader"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print the kernel release and the tracing facility the loader would use",
	RunE: func(cmd *cobra.Command, args []string) error {
		release, err := loader.KernelBackend{}.KernelRelease()
		if err != nil {
			return err
		}
		return printProbe(cmd.OutOrStdout(), release)
	},
}

func tierColor(tier loader.SupportTier) *color.Color {
	switch tier {
	case loader.TierRawTracepoint:
		return color.New(color.FgGreen, color.Bold)
	case loader.TierTracepoint:
		return color.New(color.FgYellow, color.Bold)
	}
	return color.New(color.FgRed, color.Bold)
}

func printProbe(w io.Writer, release string) error {
	fmt.Fprintf(w, "kernel release: %s\n", release)

	v, err := loader.ParseKernelVersion(release)
	if err != nil {
		color.New(color.FgRed).Fprintf(w, "kernel version: unparseable (%s)\n", err.Error())
		return err
	}

	tier := loader.Classify(v)
	fmt.Fprintf(w, "kernel version: %s\n", v)
	fmt.Fprint(w, "support tier:   ")
	tierColor(tier).Fprintln(w, tier.String())
	return nil
}
