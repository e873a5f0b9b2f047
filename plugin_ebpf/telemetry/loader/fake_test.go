/*
 * @Author: CALM.WU
 * @Date: 2024-03-13 17:05:22
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-15 11:12:40
 */

package loader

import (
	"encoding"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/pkg/errors"
)

// fakeBackend stands in for the kernel. It records every call so tests can
// check what was acquired and released.
type fakeBackend struct {
	release    string
	releaseErr error
	memlockErr error

	spec       *ebpf.CollectionSpec
	openErr    error
	loadErr    error
	dropMaps   []string
	configMap  *fakeMap
	reader     *fakeReader
	readerErr  error
	failAttach int // 1 based index of the attach call that fails, 0 never

	memlockCalls int
	opened       []string
	loads        int
	attaches     []string
	links        []*fakeLink
	objects      []*fakeObject
	readers      []*fakeReader
}

func newFakeBackend(release string) *fakeBackend {
	return &fakeBackend{
		release:   release,
		configMap: newFakeMap(),
		reader:    &fakeReader{},
	}
}

func tracepointSpec() *ebpf.CollectionSpec {
	return objectSpec(tracepointHooks[:])
}

func rawTracepointSpec() *ebpf.CollectionSpec {
	return objectSpec(rawTracepointHooks[:])
}

func objectSpec(hooks []hook) *ebpf.CollectionSpec {
	spec := &ebpf.CollectionSpec{
		Programs: make(map[string]*ebpf.ProgramSpec),
		Maps: map[string]*ebpf.MapSpec{
			EventMapName:  {Name: EventMapName, Type: ebpf.PerfEventArray},
			ConfigMapName: {Name: ConfigMapName, Type: ebpf.Array, MaxEntries: 1},
		},
	}
	for i, h := range hooks {
		name := fmt.Sprintf("prog_%d_%s", i, h.name)
		spec.Programs[name] = &ebpf.ProgramSpec{Name: name, SectionName: h.section}
	}
	return spec
}

func (b *fakeBackend) KernelRelease() (string, error) {
	return b.release, b.releaseErr
}

func (b *fakeBackend) RemoveMemlock() error {
	b.memlockCalls++
	return b.memlockErr
}

func (b *fakeBackend) OpenObject(path string) (*ebpf.CollectionSpec, error) {
	b.opened = append(b.opened, path)
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.spec.Copy(), nil
}

func (b *fakeBackend) LoadObject(spec *ebpf.CollectionSpec) (Object, error) {
	b.loads++
	if b.loadErr != nil {
		return nil, b.loadErr
	}

	obj := &fakeObject{
		progs: make(map[string]*ebpf.ProgramSpec),
		maps:  make(map[string]Map),
	}
	for name, ps := range spec.Programs {
		obj.progs[name] = ps
	}
	obj.maps[EventMapName] = newFakeMap()
	obj.maps[ConfigMapName] = b.configMap
	for _, name := range b.dropMaps {
		delete(obj.maps, name)
	}
	b.objects = append(b.objects, obj)
	return obj, nil
}

func (b *fakeBackend) attach(target string) (Link, error) {
	b.attaches = append(b.attaches, target)
	if b.failAttach == len(b.attaches) {
		return nil, errors.Errorf("attach %s: device or resource busy", target)
	}
	lk := &fakeLink{target: target}
	b.links = append(b.links, lk)
	return lk, nil
}

func (b *fakeBackend) AttachTracepoint(group, name string, _ *ebpf.Program) (Link, error) {
	return b.attach(group + "/" + name)
}

func (b *fakeBackend) AttachRawTracepoint(name string, _ *ebpf.Program) (Link, error) {
	return b.attach(name)
}

func (b *fakeBackend) OpenEventReader(_ Map, _ int) (RecordReader, error) {
	if b.readerErr != nil {
		return nil, b.readerErr
	}
	if b.reader.closed > 0 {
		b.reader = &fakeReader{}
	}
	b.readers = append(b.readers, b.reader)
	return b.reader, nil
}

func (b *fakeBackend) closedLinks() int {
	n := 0
	for _, lk := range b.links {
		if lk.closed > 0 {
			n++
		}
	}
	return n
}

type fakeObject struct {
	progs  map[string]*ebpf.ProgramSpec
	maps   map[string]Map
	closed int
}

func (o *fakeObject) Program(name string) (*ebpf.Program, bool) {
	_, ok := o.progs[name]
	// programs are never dereferenced by the fake backend
	return nil, ok
}

func (o *fakeObject) Map(name string) (Map, bool) {
	m, ok := o.maps[name]
	return m, ok
}

func (o *fakeObject) Close() {
	o.closed++
}

type fakeLink struct {
	target string
	closed int
}

func (lk *fakeLink) Close() error {
	lk.closed++
	return nil
}

type fakeMap struct {
	values    map[uint32][]byte
	updateErr error
	lookupErr error
	// mangle alters the bytes stored by Update
	mangle func(data []byte)
}

func newFakeMap() *fakeMap {
	return &fakeMap{values: make(map[uint32][]byte)}
}

func (m *fakeMap) Update(key, value interface{}, _ ebpf.MapUpdateFlags) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	bm, ok := value.(encoding.BinaryMarshaler)
	if !ok {
		return errors.Errorf("value %T is not a BinaryMarshaler", value)
	}
	data, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	if m.mangle != nil {
		m.mangle(data)
	}
	m.values[key.(uint32)] = data
	return nil
}

func (m *fakeMap) Lookup(key, valueOut interface{}) error {
	if m.lookupErr != nil {
		return m.lookupErr
	}
	data, ok := m.values[key.(uint32)]
	if !ok {
		return ebpf.ErrKeyNotExist
	}
	return valueOut.(encoding.BinaryUnmarshaler).UnmarshalBinary(data)
}

// fakeReader hands out one batch of records per poll. A batch becomes ready
// when a deadline in the future is set, which is how a poll starts.
type fakeReader struct {
	batches [][]perf.Record
	ready   []perf.Record
	// failErr is returned once every batch was consumed
	failErr error
	// stream makes the reader never run dry, like a busy host
	stream bool
	served int

	deadlines []time.Time
	closed    int
}

func (r *fakeReader) SetDeadline(t time.Time) {
	r.deadlines = append(r.deadlines, t)
	if len(r.ready) == 0 && len(r.batches) > 0 && t.After(time.Now()) {
		r.ready, r.batches = r.batches[0], r.batches[1:]
	}
}

func (r *fakeReader) Read() (perf.Record, error) {
	if r.closed > 0 {
		return perf.Record{}, perf.ErrClosed
	}
	if len(r.ready) > 0 {
		rec := r.ready[0]
		r.ready = r.ready[1:]
		return rec, nil
	}
	if r.stream {
		r.served++
		return perf.Record{CPU: r.served % 2, RawSample: []byte{byte(r.served)}}, nil
	}
	if len(r.batches) == 0 && r.failErr != nil {
		return perf.Record{}, r.failErr
	}
	return perf.Record{}, os.ErrDeadlineExceeded
}

func (r *fakeReader) Close() error {
	r.closed++
	return nil
}
