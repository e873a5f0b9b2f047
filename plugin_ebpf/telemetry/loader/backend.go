/*
 * @Author: CALM.WU
 * @Date: 2024-03-11 15:02:48
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-14 11:20:33
 */

package loader

import (
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	calmutils "github.com/wubo0067/calmwu-go/utils"
	"golang.org/x/sys/unix"
)

// Backend is the kernel facing side of a Loader.
type Backend interface {
	KernelRelease() (string, error)
	RemoveMemlock() error
	OpenObject(path string) (*ebpf.CollectionSpec, error)
	LoadObject(spec *ebpf.CollectionSpec) (Object, error)
	AttachTracepoint(group, name string, prog *ebpf.Program) (Link, error)
	AttachRawTracepoint(name string, prog *ebpf.Program) (Link, error)
	// OpenEventReader maps pageCount pages per CPU of the perf event array m.
	OpenEventReader(m Map, pageCount int) (RecordReader, error)
}

// Object is a loaded collection of programs and maps.
type Object interface {
	Program(name string) (*ebpf.Program, bool)
	Map(name string) (Map, bool)
	Close()
}

// Map is satisfied by *ebpf.Map.
type Map interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Lookup(key, valueOut interface{}) error
}

// Link is satisfied by link.Link.
type Link interface {
	Close() error
}

// RecordReader is satisfied by *perf.Reader.
type RecordReader interface {
	SetDeadline(t time.Time)
	Read() (perf.Record, error)
	Close() error
}

// KernelBackend drives the running kernel through cilium/ebpf.
type KernelBackend struct{}

var _ Backend = KernelBackend{}

func (KernelBackend) KernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", errors.Wrap(err, "uname")
	}
	return calmutils.Bytes2String(uts.Release[:cstrlen(uts.Release[:])]), nil
}

func cstrlen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

func (KernelBackend) RemoveMemlock() error {
	return rlimit.RemoveMemlock()
}

func (KernelBackend) OpenObject(path string) (*ebpf.CollectionSpec, error) {
	return ebpf.LoadCollectionSpec(path)
}

func (KernelBackend) LoadObject(spec *ebpf.CollectionSpec) (Object, error) {
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			// %+v renders the complete verifier log
			return nil, errors.Errorf("%+v", ve)
		}
		return nil, err
	}
	return &collectionObject{coll: coll}, nil
}

func (KernelBackend) AttachTracepoint(group, name string, prog *ebpf.Program) (Link, error) {
	return link.Tracepoint(group, name, prog, nil)
}

func (KernelBackend) AttachRawTracepoint(name string, prog *ebpf.Program) (Link, error) {
	return link.AttachRawTracepoint(link.RawTracepointOptions{
		Name:    name,
		Program: prog,
	})
}

func (KernelBackend) OpenEventReader(m Map, pageCount int) (RecordReader, error) {
	em, ok := m.(*ebpf.Map)
	if !ok {
		return nil, errors.Errorf("event map is %T, not a kernel map", m)
	}
	return perf.NewReader(em, pageCount*os.Getpagesize())
}

type collectionObject struct {
	coll *ebpf.Collection
}

func (o *collectionObject) Program(name string) (*ebpf.Program, bool) {
	p, ok := o.coll.Programs[name]
	return p, ok && p != nil
}

func (o *collectionObject) Map(name string) (Map, bool) {
	m, ok := o.coll.Maps[name]
	if !ok || m == nil {
		return nil, false
	}
	return m, true
}

func (o *collectionObject) Close() {
	o.coll.Close()
}
