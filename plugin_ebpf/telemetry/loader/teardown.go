/*
 * @Author: CALM.WU
 * @Date: 2024-03-12 16:40:57
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-14 10:58:31
 */

package loader

import (
	"github.com/golang/glog"
)

func closeLinks(links []Link) int {
	closed := 0
	for i, lk := range links {
		if lk == nil {
			continue
		}
		if err := lk.Close(); err != nil {
			glog.Warningf("close link %d failed. err:%s", i, err.Error())
		}
		links[i] = nil
		closed++
	}
	return closed
}

// teardown releases whatever the run acquired, in reverse order. It may be
// called after any partial setup and any number of times.
func (l *Loader) teardown() {
	if l.reader != nil {
		if err := l.reader.Close(); err != nil {
			glog.Warningf("close event reader failed. err:%s", err.Error())
		}
		l.reader = nil
	}

	closed := 0
	switch hs := l.handles.(type) {
	case *tracepointSet:
		closed = closeLinks(hs.links[:])
	case *rawTracepointSet:
		closed = closeLinks(hs.links[:])
	}
	l.handles = nil

	if l.obj != nil {
		l.obj.Close()
		l.obj = nil
		glog.Infof("eBPF object closed, %d links detached", closed)
	}

	l.eventMap = nil
	l.configMap = nil
}
