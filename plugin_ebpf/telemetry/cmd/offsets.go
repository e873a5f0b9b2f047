/*
 * @Author: CALM.WU
 * @Date: 2024-03-29 11:02:19
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-29 14:26:53
 */

package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/loader"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/offsets"
)

var (
	offsetsProfileFile string
	offsetsProfile     string
	offsetsRelease     string

	offsetsCmd = &cobra.Command{
		Use:   "offsets",
		Short: "Print the calibration profile selected for a kernel release",
		RunE: func(cmd *cobra.Command, args []string) error {
			release := offsetsRelease
			if release == "" {
				var err error
				if release, err = (loader.KernelBackend{}).KernelRelease(); err != nil {
					return err
				}
			}

			reg, err := offsets.LoadRegistry(offsetsProfileFile)
			if err != nil {
				return err
			}
			return printOffsets(cmd.OutOrStdout(), reg, offsetsProfile, release)
		},
	}
)

func init() {
	offsetsCmd.Flags().StringVar(&offsetsProfileFile, "profile-file", "", "calibration profiles yaml")
	offsetsCmd.Flags().StringVar(&offsetsProfile, "profile", "", "profile name, empty selects by kernel release")
	offsetsCmd.Flags().StringVar(&offsetsRelease, "release", "", "kernel release, empty reads uname")
}

func printOffsets(w io.Writer, reg *offsets.Registry, name, release string) error {
	p, err := reg.Select(name, release)
	if err != nil {
		return err
	}

	title := color.New(color.FgCyan, color.Bold)
	title.Fprintf(w, "profile: %s (kernel release %s)\n", p.Name, release)
	fmt.Fprintf(w, "fingerprint: %016x\n", p.Table.Fingerprint())

	for _, nc := range p.Table.NamedChains() {
		fmt.Fprintf(w, "  %-12s %v\n", nc.Name, nc.Chain.Steps())
	}
	fmt.Fprintf(w, "  %-12s %d\n", "dentry_parent", p.Table.DentryParent)
	fmt.Fprintf(w, "  %-12s %d\n", "dentry_name", p.Table.DentryName)
	return nil
}
