/*
 * @Author: CALM.WU
 * @Date: 2024-03-13 10:12:36
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-14 15:41:18
 */

package loader

import (
	"context"
	"os"
	"time"

	"github.com/cilium/ebpf/perf"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// SampleCallback receives one raw sample written by the kernel program on cpu.
// data is only valid during the call.
type SampleCallback func(cpu int, data []byte)

// LostCallback receives the number of samples the kernel dropped on cpu.
type LostCallback func(cpu int, lost uint64)

func (l *Loader) openEventChannel() error {
	rd, err := l.backend.OpenEventReader(l.eventMap, l.opts.PageCount)
	if err != nil {
		return stageErrorf(StageEventChannel, err, "open perf reader on '%s' with %d pages per cpu", EventMapName, l.opts.PageCount)
	}
	l.reader = rd
	return nil
}

// poll waits up to PollTimeout for a first record, then drains the records
// that are already available without waiting again. The drain ends at the
// poll deadline or once ctx is done, so a reader that is never empty still
// hands control back to pump.
func (l *Loader) poll(ctx context.Context, onSample SampleCallback, onLost LostCallback) (int, error) {
	deadline := time.Now().Add(l.opts.PollTimeout)
	l.reader.SetDeadline(deadline)

	n := 0
	for {
		if n > 0 && (ctx.Err() != nil || !time.Now().Before(deadline)) {
			return n, nil
		}

		rec, err := l.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return n, nil
			}
			return n, err
		}

		if n == 0 {
			l.reader.SetDeadline(time.Now())
		}
		n++

		if rec.LostSamples > 0 {
			l.stats.lost.Add(rec.LostSamples)
			onLost(rec.CPU, rec.LostSamples)
		} else {
			l.stats.samples.Inc()
			l.stats.sampleBytes.Add(uint64(len(rec.RawSample)))
			onSample(rec.CPU, rec.RawSample)
		}
	}
}

// pump polls until ctx is done, MaxPolls polls ran or the reader fails.
func (l *Loader) pump(ctx context.Context, onSample SampleCallback, onLost LostCallback) error {
	for polls := 0; ; polls++ {
		if ctx.Err() != nil {
			glog.Info("event pump receive stop notify")
			return nil
		}
		if l.opts.MaxPolls > 0 && polls >= l.opts.MaxPolls {
			glog.Infof("event pump ran %d polls, stop", polls)
			return nil
		}

		n, err := l.poll(ctx, onSample, onLost)
		l.stats.polls.Inc()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				glog.Info("event reader closed, stop")
				return nil
			}
			return stageErrorf(StagePoll, err, "read '%s'", EventMapName)
		}
		glog.V(4).Infof("poll %d handled %d records", polls, n)
	}
}
