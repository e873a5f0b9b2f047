/*
 * @Author: CALM.WU
 * @Date: 2024-03-19 11:26:40
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-19 15:48:02
 */

package collector

import (
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
)

const recentHeadBytes = 16

type RecentEvent struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	CPU  int       `json:"cpu"`
	Size int       `json:"size,omitempty"`
	// Head is the hex of the first bytes of the sample.
	Head string `json:"head,omitempty"`
	Lost uint64 `json:"lost,omitempty"`
}

// RecentEvents keeps the last N samples and loss reports. The lru evicts the
// oldest sequence number once full.
type RecentEvents struct {
	seq atomic.Uint64
	lc  *lru.Cache[uint64, RecentEvent]
}

func NewRecentEvents(size int) (*RecentEvents, error) {
	lc, err := lru.New[uint64, RecentEvent](size)
	if err != nil {
		return nil, errors.Wrapf(err, "new lru with size %d", size)
	}
	return &RecentEvents{lc: lc}, nil
}

func (re *RecentEvents) AddSample(cpu int, data []byte) {
	head := data
	if len(head) > recentHeadBytes {
		head = head[:recentHeadBytes]
	}
	seq := re.seq.Inc()
	re.lc.Add(seq, RecentEvent{
		Seq:  seq,
		Time: time.Now(),
		CPU:  cpu,
		Size: len(data),
		Head: hex.EncodeToString(head),
	})
}

func (re *RecentEvents) AddLost(cpu int, lost uint64) {
	seq := re.seq.Inc()
	re.lc.Add(seq, RecentEvent{
		Seq:  seq,
		Time: time.Now(),
		CPU:  cpu,
		Lost: lost,
	})
}

// List returns the kept events, newest first.
func (re *RecentEvents) List() []RecentEvent {
	seqs := re.lc.Keys()
	slices.Sort(seqs)

	events := make([]RecentEvent, 0, len(seqs))
	for i := len(seqs) - 1; i >= 0; i-- {
		if ev, ok := re.lc.Peek(seqs[i]); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (re *RecentEvents) Len() int {
	return re.lc.Len()
}
