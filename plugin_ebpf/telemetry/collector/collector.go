/*
 * @Author: CALM.WU
 * @Date: 2024-03-18 10:14:29
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-19 16:03:55
 */

package collector

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/golang/glog"
	"github.com/grafana/pyroscope/ebpf/cpuonline"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/loader"
)

const namespace = "xtelemetry"

// Source is the running loader as seen by the collector.
type Source interface {
	Info() loader.Info
	Stats() loader.Stats
}

type Options struct {
	// CPUs pre-seeds the per cpu series, nil means the online cpus.
	CPUs []uint
	// RecentSize is the capacity of the recent events ring, 0 disables it.
	RecentSize int
}

type cpuCounters struct {
	samples atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
}

// TelemetryCollector counts what the event pump delivers and exports it with
// the loader state.
type TelemetryCollector struct {
	src    Source
	recent *RecentEvents

	guard sync.RWMutex
	// cpu ===> *cpuCounters, ordered by cpu
	cpus *treemap.Map

	samplesDesc     *prometheus.Desc
	bytesDesc       *prometheus.Desc
	lostDesc        *prometheus.Desc
	pollsDesc       *prometheus.Desc
	tierDesc        *prometheus.Desc
	runningDesc     *prometheus.Desc
	calibrationDesc *prometheus.Desc
}

var _ prometheus.Collector = &TelemetryCollector{}

func New(src Source, opts Options) (*TelemetryCollector, error) {
	tc := &TelemetryCollector{
		src:  src,
		cpus: treemap.NewWith(utils.IntComparator),
		samplesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "samples_total"),
			"Number of samples delivered by the perf event buffer.",
			[]string{"cpu"}, nil),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sample_bytes_total"),
			"Number of sample payload bytes delivered by the perf event buffer.",
			[]string{"cpu"}, nil),
		lostDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "lost_total"),
			"Number of samples the kernel dropped because the perf event buffer was full.",
			[]string{"cpu"}, nil),
		pollsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "polls_total"),
			"Number of perf event buffer polls.",
			nil, nil),
		tierDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "support_tier"),
			"Tracing facility negotiated with the running kernel.",
			[]string{"tier"}, nil),
		runningDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "running"),
			"Whether the event pump is running.",
			nil, nil),
		calibrationDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "calibration_info"),
			"Calibration profile written to config_map.",
			[]string{"kernel_release", "profile", "fingerprint"}, nil),
	}

	cpus := opts.CPUs
	if cpus == nil {
		var err error
		if cpus, err = cpuonline.Get(); err != nil {
			glog.Warningf("get online cpus failed, per cpu series are created on demand. err:%s", err.Error())
		}
	}
	for _, cpu := range cpus {
		tc.cpus.Put(int(cpu), new(cpuCounters))
	}

	if opts.RecentSize > 0 {
		recent, err := NewRecentEvents(opts.RecentSize)
		if err != nil {
			return nil, errors.Wrap(err, "create recent events ring")
		}
		tc.recent = recent
	}

	glog.Infof("telemetry collector created, %d cpus, recent events:%d", len(cpus), opts.RecentSize)
	return tc, nil
}

func (tc *TelemetryCollector) counters(cpu int) *cpuCounters {
	tc.guard.RLock()
	v, ok := tc.cpus.Get(cpu)
	tc.guard.RUnlock()
	if ok {
		return v.(*cpuCounters)
	}

	tc.guard.Lock()
	defer tc.guard.Unlock()
	if v, ok = tc.cpus.Get(cpu); ok {
		return v.(*cpuCounters)
	}
	c := new(cpuCounters)
	tc.cpus.Put(cpu, c)
	return c
}

// OnSample is a loader.SampleCallback.
func (tc *TelemetryCollector) OnSample(cpu int, data []byte) {
	c := tc.counters(cpu)
	c.samples.Inc()
	c.bytes.Add(uint64(len(data)))

	if tc.recent != nil {
		tc.recent.AddSample(cpu, data)
	}
}

// OnLost is a loader.LostCallback.
func (tc *TelemetryCollector) OnLost(cpu int, lost uint64) {
	tc.counters(cpu).lost.Add(lost)

	if tc.recent != nil {
		tc.recent.AddLost(cpu, lost)
	}
}

// Recent returns the recent events ring, nil when disabled.
func (tc *TelemetryCollector) Recent() *RecentEvents {
	return tc.recent
}

// Describe implements the prometheus.Collector interface.
func (tc *TelemetryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tc.samplesDesc
	ch <- tc.bytesDesc
	ch <- tc.lostDesc
	ch <- tc.pollsDesc
	ch <- tc.tierDesc
	ch <- tc.runningDesc
	ch <- tc.calibrationDesc
}

// Collect implements the prometheus.Collector interface.
func (tc *TelemetryCollector) Collect(ch chan<- prometheus.Metric) {
	tc.guard.RLock()
	tc.cpus.Each(func(key, value interface{}) {
		cpu := strconv.Itoa(key.(int))
		c := value.(*cpuCounters)
		ch <- prometheus.MustNewConstMetric(tc.samplesDesc, prometheus.CounterValue, float64(c.samples.Load()), cpu)
		ch <- prometheus.MustNewConstMetric(tc.bytesDesc, prometheus.CounterValue, float64(c.bytes.Load()), cpu)
		ch <- prometheus.MustNewConstMetric(tc.lostDesc, prometheus.CounterValue, float64(c.lost.Load()), cpu)
	})
	tc.guard.RUnlock()

	if tc.src == nil {
		return
	}

	info := tc.src.Info()
	stats := tc.src.Stats()

	ch <- prometheus.MustNewConstMetric(tc.pollsDesc, prometheus.CounterValue, float64(stats.Polls))
	ch <- prometheus.MustNewConstMetric(tc.tierDesc, prometheus.GaugeValue, 1, info.Tier.String())

	running := 0.0
	if info.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(tc.runningDesc, prometheus.GaugeValue, running)

	if info.Profile != "" {
		ch <- prometheus.MustNewConstMetric(tc.calibrationDesc, prometheus.GaugeValue, 1,
			info.Release, info.Profile, fmt.Sprintf("%016x", info.Fingerprint))
	}
}
