/*
 * @Author: CALM.WU
 * @Date: 2024-03-12 14:16:25
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-14 10:52:07
 */

package loader

import (
	"github.com/cilium/ebpf"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// handleSet holds the programs and links of one tier. Its variants are
// *tracepointSet and *rawTracepointSet.
type handleSet interface {
	isHandleSet()
}

type tracepointSet struct {
	progs [numTracepointHooks]*ebpf.Program
	links [numTracepointHooks]Link
}

type rawTracepointSet struct {
	progs [numRawTracepointHooks]*ebpf.Program
	links [numRawTracepointHooks]Link
}

func (*tracepointSet) isHandleSet()    {}
func (*rawTracepointSet) isHandleSet() {}

// newHandleSet resolves the loaded programs named progNames, in hook order.
func newHandleSet(tier SupportTier, obj Object, progNames []string) (handleSet, error) {
	var progs []*ebpf.Program
	var hs handleSet

	switch tier {
	case TierTracepoint:
		tps := new(tracepointSet)
		progs, hs = tps.progs[:], tps
	case TierRawTracepoint:
		rtps := new(rawTracepointSet)
		progs, hs = rtps.progs[:], rtps
	default:
		return nil, errors.Errorf("no handle set for tier '%s'", tier)
	}

	if len(progNames) != len(progs) {
		return nil, errors.Errorf("tier '%s' wants %d programs, got %d", tier, len(progs), len(progNames))
	}

	for i, name := range progNames {
		prog, ok := obj.Program(name)
		if !ok {
			return nil, errors.Errorf("eBPFProgram:'%s' not found in loaded object", name)
		}
		progs[i] = prog
	}
	return hs, nil
}

// attachAll binds every program of hs to its hook and stops at the first
// failure. Links made before the failure stay in hs.
func attachAll(b Backend, hs handleSet) error {
	switch s := hs.(type) {
	case *tracepointSet:
		for i, h := range tracepointHooks {
			lk, err := b.AttachTracepoint(h.group, h.name, s.progs[i])
			if err != nil {
				return errors.Wrapf(err, "attach tracepoint program ===> target:'%s/%s' failed.", h.group, h.name)
			}
			s.links[i] = lk
			glog.Infof("attach tracepoint program ===> target:'%s/%s' successed.", h.group, h.name)
		}
	case *rawTracepointSet:
		for i, h := range rawTracepointHooks {
			lk, err := b.AttachRawTracepoint(h.name, s.progs[i])
			if err != nil {
				return errors.Wrapf(err, "attach raw_tracepoint program ===> target:'%s' failed.", h.name)
			}
			s.links[i] = lk
			glog.Infof("attach raw_tracepoint program ===> target:'%s' successed.", h.name)
		}
	default:
		return errors.Errorf("unknown handle set %T", hs)
	}
	return nil
}

// attachedCount is the number of live links in hs.
func attachedCount(hs handleSet) int {
	var links []Link
	switch s := hs.(type) {
	case *tracepointSet:
		links = s.links[:]
	case *rawTracepointSet:
		links = s.links[:]
	}

	n := 0
	for _, lk := range links {
		if lk != nil {
			n++
		}
	}
	return n
}
