/*
 * @Author: CALM.WU
 * @Date: 2024-03-28 09:58:13
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-28 09:58:13
 */

package main

import (
	"go.uber.org/automaxprocs/maxprocs"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/cmd"
)

// Main is the entry point for the command
func main() {
	undo, _ := maxprocs.Set()
	defer undo()
	cmd.Main()
}

// ./xtelemetry --config=../env/config/xm_telemetry/config.yaml --log_dir=/var/log/x-monitor/ --v=3
