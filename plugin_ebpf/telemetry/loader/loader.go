/*
 * @Author: CALM.WU
 * @Date: 2024-03-11 09:38:14
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-15 10:27:45
 */

// Package loader negotiates the tracing facility of the running kernel, loads
// the matching telemetry object, hands it its configuration, attaches its
// programs and pumps the perf event buffer to user callbacks.
package loader

import (
	"context"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/offsets"
)

const (
	DefaultPageCount   = 1024
	DefaultPollTimeout = time.Second
)

type Options struct {
	ObjectDir           string
	TracepointObject    string
	RawTracepointObject string
	// PageCount is the number of perf buffer pages mapped per CPU.
	PageCount   int
	PollTimeout time.Duration
	// MaxPolls bounds the event pump, 0 means until the context is done.
	MaxPolls int
	// Profiles and ProfileName choose the calibration written to config_map.
	// An empty ProfileName selects by kernel release.
	Profiles    *offsets.Registry
	ProfileName string
	// UserlandPid is reported to the kernel program, 0 means this process.
	UserlandPid uint32
}

func DefaultOptions() *Options {
	return &Options{
		ObjectDir:           DefaultObjectDir,
		TracepointObject:    DefaultTracepointObject,
		RawTracepointObject: DefaultRawTracepointObject,
		PageCount:           DefaultPageCount,
		PollTimeout:         DefaultPollTimeout,
	}
}

func (o *Options) complete() {
	def := DefaultOptions()
	if o.ObjectDir == "" {
		o.ObjectDir = def.ObjectDir
	}
	if o.TracepointObject == "" {
		o.TracepointObject = def.TracepointObject
	}
	if o.RawTracepointObject == "" {
		o.RawTracepointObject = def.RawTracepointObject
	}
	if o.PageCount <= 0 {
		o.PageCount = def.PageCount
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.Profiles == nil {
		o.Profiles = offsets.NewRegistry()
	}
	if o.UserlandPid == 0 {
		o.UserlandPid = uint32(os.Getpid())
	}
}

type loaderStats struct {
	polls       atomic.Uint64
	samples     atomic.Uint64
	sampleBytes atomic.Uint64
	lost        atomic.Uint64
}

// Stats are cumulative over all runs of a Loader.
type Stats struct {
	Polls       uint64 `json:"polls"`
	Samples     uint64 `json:"samples"`
	SampleBytes uint64 `json:"sample_bytes"`
	Lost        uint64 `json:"lost"`
}

// Info describes the last negotiated run.
type Info struct {
	Release     string      `json:"kernel_release"`
	Tier        SupportTier `json:"-"`
	TierName    string      `json:"tier"`
	Profile     string      `json:"profile"`
	Fingerprint uint64      `json:"fingerprint"`
	Running     bool        `json:"running"`
}

// Loader owns every kernel resource of one telemetry session. Run must not be
// called concurrently, Tier, Info and Stats may be read from any goroutine.
type Loader struct {
	backend Backend
	opts    Options

	tier        atomic.Int32
	release     atomic.String
	profile     atomic.String
	fingerprint atomic.Uint64
	running     atomic.Bool
	stats       loaderStats

	obj       Object
	handles   handleSet
	eventMap  Map
	configMap Map
	reader    RecordReader
}

// New creates a Loader on top of b. A nil opts means DefaultOptions.
func New(b Backend, opts *Options) *Loader {
	if opts == nil {
		opts = DefaultOptions()
	}
	l := &Loader{
		backend: b,
		opts:    *opts,
	}
	l.opts.complete()
	return l
}

func (l *Loader) Tier() SupportTier {
	return SupportTier(l.tier.Load())
}

func (l *Loader) Stats() Stats {
	return Stats{
		Polls:       l.stats.polls.Load(),
		Samples:     l.stats.samples.Load(),
		SampleBytes: l.stats.sampleBytes.Load(),
		Lost:        l.stats.lost.Load(),
	}
}

func (l *Loader) Info() Info {
	tier := l.Tier()
	return Info{
		Release:     l.release.Load(),
		Tier:        tier,
		TierName:    tier.String(),
		Profile:     l.profile.Load(),
		Fingerprint: l.fingerprint.Load(),
		Running:     l.running.Load(),
	}
}

// Start runs the loader and maps the result to a process status. It raises
// RLIMIT_MEMLOCK for the whole process before loading.
func (l *Loader) Start(ctx context.Context, onSample SampleCallback, onLost LostCallback) Status {
	return StatusOf(l.Run(ctx, onSample, onLost))
}

// Run negotiates, loads, configures, attaches and then pumps events on the
// calling goroutine until ctx is done. Every resource is released before it
// returns. Errors are *StageError.
func (l *Loader) Run(ctx context.Context, onSample SampleCallback, onLost LostCallback) (err error) {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("telemetry loader is already running")
	}
	defer l.running.Store(false)
	defer l.teardown()
	defer func() {
		if err != nil {
			glog.Errorf("telemetry loader stage:'%s' failed. err:%s", StageOf(err), err.Error())
		}
	}()

	if onSample == nil {
		onSample = func(int, []byte) {}
	}
	if onLost == nil {
		onLost = func(int, uint64) {}
	}

	tier, err := l.negotiate()
	if err != nil {
		return err
	}

	if err = l.load(tier); err != nil {
		return err
	}

	if err = l.propagateConfig(); err != nil {
		return err
	}

	if err = attachAll(l.backend, l.handles); err != nil {
		glog.Errorf("attach stopped after %d links", attachedCount(l.handles))
		return &StageError{Stage: StageAttach, Err: err}
	}

	if err = l.openEventChannel(); err != nil {
		return err
	}

	glog.Info("Running...")
	return l.pump(ctx, onSample, onLost)
}

func (l *Loader) negotiate() (SupportTier, error) {
	l.tier.Store(int32(TierUnsupported))

	release, err := l.backend.KernelRelease()
	if err != nil {
		return TierUnsupported, stageErrorf(StageKernelRelease, err, "read kernel release")
	}
	l.release.Store(release)

	v, err := ParseKernelVersion(release)
	if err != nil {
		return TierUnsupported, &StageError{Stage: StageUnparseableVersion, Err: err}
	}
	glog.Infof("Found Kernel version: %s", v)

	tier := Classify(v)
	if tier == TierUnsupported {
		return tier, stageErrorf(StageUnsupported, ErrUnsupportedKernel, "kernel %s", v)
	}
	l.tier.Store(int32(tier))
	glog.Infof("kernel %s use %s programs", v, tier)
	return tier, nil
}

func (l *Loader) load(tier SupportTier) error {
	if err := l.backend.RemoveMemlock(); err != nil {
		glog.Warningf("remove memlock limit failed, continue. err:%s", err.Error())
	}

	path := l.opts.objectPath(tier)
	spec, err := l.backend.OpenObject(path)
	if err != nil {
		return stageErrorf(StageObjectOpen, err, "open eBPF object '%s'", path)
	}

	progNames, err := selectEntryPoints(spec, tier)
	if err != nil {
		return stageErrorf(StageEntryPointNotFound, err, "eBPF object '%s'", path)
	}

	obj, err := l.backend.LoadObject(spec)
	if err != nil {
		return stageErrorf(StageLoadRejected, err, "load eBPF object '%s'", path)
	}
	l.obj = obj

	if l.handles, err = newHandleSet(tier, obj, progNames); err != nil {
		return stageErrorf(StageEntryPointNotFound, err, "eBPF object '%s'", path)
	}

	var ok bool
	if l.eventMap, ok = obj.Map(EventMapName); !ok {
		return stageErrorf(StageMapNotFound, nil, "map '%s' not found in '%s'", EventMapName, path)
	}
	if l.configMap, ok = obj.Map(ConfigMapName); !ok {
		return stageErrorf(StageMapNotFound, nil, "map '%s' not found in '%s'", ConfigMapName, path)
	}

	glog.Infof("eBPF object '%s' loaded with %d programs", path, len(progNames))
	return nil
}

// propagateConfig writes this process pid and the selected calibration into
// config_map, before any program is attached.
func (l *Loader) propagateConfig() error {
	prof, err := l.opts.Profiles.Select(l.opts.ProfileName, l.release.Load())
	if err != nil {
		return stageErrorf(StageConfigWrite, err, "select calibration profile")
	}
	if err = prof.Table.Validate(); err != nil {
		return stageErrorf(StageConfigWrite, err, "calibration profile '%s'", prof.Name)
	}

	rec := offsets.ConfigRecord{
		UserlandPid: l.opts.UserlandPid,
		Offsets:     prof.Table,
	}
	if err = l.configMap.Update(offsets.ConfigKey, rec, ebpf.UpdateAny); err != nil {
		return stageErrorf(StageConfigWrite, err, "update '%s'", ConfigMapName)
	}

	var stored offsets.ConfigRecord
	if err = l.configMap.Lookup(offsets.ConfigKey, &stored); err != nil {
		return stageErrorf(StageConfigWrite, err, "read back '%s'", ConfigMapName)
	}
	if stored != rec {
		return stageErrorf(StageConfigWrite, nil, "'%s' holds userland pid:%d fingerprint:%016x, wrote pid:%d fingerprint:%016x",
			ConfigMapName, stored.UserlandPid, stored.Offsets.Fingerprint(), rec.UserlandPid, prof.Table.Fingerprint())
	}

	fp := prof.Table.Fingerprint()
	l.profile.Store(prof.Name)
	l.fingerprint.Store(fp)
	glog.Infof("config_map updated, userland pid:%d profile:'%s' fingerprint:%016x", rec.UserlandPid, prof.Name, fp)
	return nil
}
