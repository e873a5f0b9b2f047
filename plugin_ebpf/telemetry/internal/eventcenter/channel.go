/*
 * @Author: CALM.WU
 * @Date: 2024-03-20 10:21:45
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-20 10:58:03
 */

package eventcenter

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrChannelClosed = errors.New("event channel closed")
	ErrChannelFull   = errors.New("event channel full")
)

// eventChannel is a buffered channel that tolerates send after close.
type eventChannel struct {
	C      chan *Event
	lock   sync.RWMutex
	closed bool
}

func newEventChannel(size int) *eventChannel {
	return &eventChannel{C: make(chan *Event, size)}
}

// SafeSend never panics. When block is false a full channel returns
// ErrChannelFull.
func (ch *eventChannel) SafeSend(evt *Event, block bool) error {
	ch.lock.RLock()
	defer ch.lock.RUnlock()

	if ch.closed {
		return ErrChannelClosed
	}

	if block {
		ch.C <- evt
		return nil
	}

	select {
	case ch.C <- evt:
		return nil
	default:
		return ErrChannelFull
	}
}

func (ch *eventChannel) SafeClose() {
	ch.lock.Lock()
	defer ch.lock.Unlock()

	if !ch.closed {
		ch.closed = true
		close(ch.C)
	}
}
