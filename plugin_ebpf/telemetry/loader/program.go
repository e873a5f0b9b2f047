/*
 * @Author: CALM.WU
 * @Date: 2024-03-12 09:44:10
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-13 15:08:52
 */

package loader

import (
	"path/filepath"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	EventMapName  = "event_map"
	ConfigMapName = "config_map"

	DefaultObjectDir           = "ebpf_loader"
	DefaultTracepointObject    = "ebpf_telemetry_kern_tp.o"
	DefaultRawTracepointObject = "ebpf_telemetry_kern_raw_tp.o"

	numTracepointHooks    = 5
	numRawTracepointHooks = 2
)

// hook is one attach point, found in the object by its ELF section title.
type hook struct {
	section string
	group   string
	name    string
}

var (
	tracepointHooks = [numTracepointHooks]hook{
		{section: "tracepoint/syscalls/sys_enter_open", group: "syscalls", name: "sys_enter_open"},
		{section: "tracepoint/syscalls/sys_enter_execve", group: "syscalls", name: "sys_enter_execve"},
		{section: "tracepoint/syscalls/sys_enter_connect", group: "syscalls", name: "sys_enter_connect"},
		{section: "tracepoint/syscalls/sys_enter_accept", group: "syscalls", name: "sys_enter_accept"},
		{section: "tracepoint/syscalls/sys_exit_accept", group: "syscalls", name: "sys_exit_accept"},
	}

	rawTracepointHooks = [numRawTracepointHooks]hook{
		{section: "raw_tracepoint/sys_enter", name: "sys_enter"},
		{section: "raw_tracepoint/sys_exit", name: "sys_exit"},
	}
)

func hooksOf(tier SupportTier) []hook {
	switch tier {
	case TierTracepoint:
		return tracepointHooks[:]
	case TierRawTracepoint:
		return rawTracepointHooks[:]
	}
	return nil
}

func progTypeOf(tier SupportTier) ebpf.ProgramType {
	if tier == TierTracepoint {
		return ebpf.TracePoint
	}
	return ebpf.RawTracepoint
}

// objectPath returns the kernel object matching tier.
func (o *Options) objectPath(tier SupportTier) string {
	if tier == TierTracepoint {
		return filepath.Join(o.ObjectDir, o.TracepointObject)
	}
	return filepath.Join(o.ObjectDir, o.RawTracepointObject)
}

// selectEntryPoints finds the program of every hook of tier by section title,
// forces its program type and returns the program names in hook order.
func selectEntryPoints(spec *ebpf.CollectionSpec, tier SupportTier) ([]string, error) {
	hooks := hooksOf(tier)
	if len(hooks) == 0 {
		return nil, errors.Errorf("no entry points for tier '%s'", tier)
	}

	// map order is random, pick deterministically when a section holds several programs
	progNames := lo.Keys(spec.Programs)
	sort.Strings(progNames)

	names := make([]string, 0, len(hooks))
	for _, h := range hooks {
		progName, ok := lo.Find(progNames, func(n string) bool {
			ps := spec.Programs[n]
			return ps != nil && ps.SectionName == h.section
		})
		if !ok {
			return nil, errors.Errorf("entry point section '%s' not found", h.section)
		}

		spec.Programs[progName].Type = progTypeOf(tier)
		names = append(names, progName)
		glog.V(2).Infof("eBPFProgram:'%s' section:'%s' selected", progName, h.section)
	}
	return names, nil
}
