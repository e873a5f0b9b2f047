/*
 * @Author: CALM.WU
 * @Date: 2024-03-20 10:08:12
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-20 11:37:50
 */

package eventcenter

import (
	"fmt"
	"time"
)

type EventType uint64

const (
	EventNone   EventType = 0
	EventSample EventType = 1 << 0
	EventLost   EventType = 1 << 1
	EventAll              = EventSample | EventLost
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventSample:
		return "sample"
	case EventLost:
		return "lost"
	case EventAll:
		return "all"
	}
	return fmt.Sprintf("EventType(%#x)", uint64(t))
}

// Event is one record of the perf event buffer. Data is owned by the event.
type Event struct {
	Type EventType
	Time time.Time
	CPU  int
	Data []byte
	Lost uint64
}

// NewSampleEvent copies data, the pump reuses its buffer after the callback.
func NewSampleEvent(cpu int, data []byte) *Event {
	return &Event{
		Type: EventSample,
		Time: time.Now(),
		CPU:  cpu,
		Data: append([]byte(nil), data...),
	}
}

func NewLostEvent(cpu int, lost uint64) *Event {
	return &Event{
		Type: EventLost,
		Time: time.Now(),
		CPU:  cpu,
		Lost: lost,
	}
}
