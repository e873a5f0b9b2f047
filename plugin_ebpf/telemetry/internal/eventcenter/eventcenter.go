/*
 * @Author: CALM.WU
 * @Date: 2024-03-20 10:35:09
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-21 09:44:26
 */

// Package eventcenter fans out perf buffer records to subscribers without ever
// blocking the event pump.
package eventcenter

import (
	"sync"

	"github.com/golang/glog"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
)

// Interface for subscribing to telemetry events
type EventSubscriber interface {
	Subscribe(name string, focusEvents EventType) <-chan *Event
}

// Interface for publishing telemetry events
type EventPublisher interface {
	Publish(evt *Event) error
}

type EventCenterInterface interface {
	EventSubscriber
	EventPublisher
}

var _ EventCenterInterface = &EventCenter{}

const (
	DefaultPublishChanSize = (1 << 12)
	DefaultReadChanSize    = (1 << 10)
)

type subscriber struct {
	readChan    *eventChannel
	name        string
	focusEvents EventType
}

type EventCenter struct {
	wg          conc.WaitGroup
	subscribers map[string]*subscriber
	publishChan *eventChannel
	readSize    int
	stopCh      chan struct{}
	stopOnce    sync.Once
	lock        sync.RWMutex
	dropped     atomic.Uint64
}

// New starts an event center. Sizes below 1 take the defaults.
func New(publishSize, readSize int) *EventCenter {
	if publishSize < 1 {
		publishSize = DefaultPublishChanSize
	}
	if readSize < 1 {
		readSize = DefaultReadChanSize
	}

	ec := &EventCenter{
		subscribers: make(map[string]*subscriber),
		publishChan: newEventChannel(publishSize),
		readSize:    readSize,
		stopCh:      make(chan struct{}),
	}
	ec.wg.Go(ec.dispatchEvents)

	glog.Info("eventCenter has been initialized.")
	return ec
}

// Subscribe registers name for focusEvents. Subscribing again with the same
// name changes the focus and returns the same channel.
func (ec *EventCenter) Subscribe(name string, focusEvents EventType) <-chan *Event {
	ec.lock.Lock()
	defer ec.lock.Unlock()

	if ec.subscribers == nil {
		// stopped
		closed := make(chan *Event)
		close(closed)
		return closed
	}

	if sub, ok := ec.subscribers[name]; ok {
		glog.Infof("eventCenter subscriber:'%s' change focus events from %s ===> %s",
			name, sub.focusEvents, focusEvents)
		sub.focusEvents = focusEvents
		return sub.readChan.C
	}

	sub := &subscriber{
		name:        name,
		readChan:    newEventChannel(ec.readSize),
		focusEvents: focusEvents,
	}
	ec.subscribers[name] = sub
	glog.Infof("eventCenter subscriber:'%s' subscribe focus events %s", name, focusEvents)
	return sub.readChan.C
}

// Publish queues evt without blocking. A full queue drops the event and
// returns ErrChannelFull, a stopped center returns ErrChannelClosed.
func (ec *EventCenter) Publish(evt *Event) error {
	if err := ec.publishChan.SafeSend(evt, false); err != nil {
		ec.dropped.Inc()
		if glog.V(3) {
			glog.Infof("eventCenter publish event:'%s' failed. err:%s", evt.Type, err.Error())
		}
		return err
	}
	return nil
}

// Dropped counts the events lost on a full publish queue or subscriber channel.
func (ec *EventCenter) Dropped() uint64 {
	return ec.dropped.Load()
}

func (ec *EventCenter) dispatch(evt *Event) {
	ec.lock.RLock()
	defer ec.lock.RUnlock()

	for _, sub := range ec.subscribers {
		if sub.focusEvents&evt.Type != 0 {
			if err := sub.readChan.SafeSend(evt, false); err != nil {
				ec.dropped.Inc()
				if glog.V(3) {
					glog.Infof("eventCenter subscriber:'%s' drop event:'%s'. err:%s", sub.name, evt.Type, err.Error())
				}
			}
		}
	}
}

func (ec *EventCenter) dispatchEvents() {
	glog.Info("eventCenter start dispatch events now....")

	for {
		select {
		case <-ec.stopCh:
			glog.Warning("eventCenter dispatch events receive stop notify")
			// hand out what was published before Stop
			for {
				select {
				case evt, ok := <-ec.publishChan.C:
					if !ok {
						return
					}
					ec.dispatch(evt)
				default:
					return
				}
			}
		case evt, ok := <-ec.publishChan.C:
			if !ok {
				return
			}
			ec.dispatch(evt)
		}
	}
}

// Stop ends dispatching and closes every subscriber channel.
func (ec *EventCenter) Stop() {
	ec.stopOnce.Do(func() {
		ec.publishChan.SafeClose()
		close(ec.stopCh)
		if recover := ec.wg.WaitAndRecover(); recover != nil {
			glog.Errorf("eventCenter recover: %s", recover.String())
		}

		ec.lock.Lock()
		for _, sub := range ec.subscribers {
			sub.readChan.SafeClose()
		}
		ec.subscribers = nil
		ec.lock.Unlock()

		glog.Info("eventCenter has stopped.")
	})
}
