/*
 * @Author: CALM.WU
 * @Date: 2024-03-04 10:12:40
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-06 17:41:09
 */

// Package offsets holds the table of in-kernel structure field offsets that the
// telemetry kernel program uses to read credential and identity data straight
// out of task_struct. The layout of every type in this package is shared with
// the kernel program, field order and sizes must not change on one side only.
package offsets

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// MaxChainLen is the number of slots of every offset chain, sentinel included.
	MaxChainLen = 8
	// Sentinel terminates an offset chain.
	Sentinel int32 = -1
	// ConfigKey is the only key of config_map.
	ConfigKey uint32 = 0
)

// Chain is a path of dereference-then-offset steps starting at the current
// task_struct, terminated by Sentinel.
type Chain [MaxChainLen]int32

// Table is the calibration table consumed by the kernel program.
type Table struct {
	Ppid      Chain
	Auid      Chain
	Ses       Chain
	Cred      Chain
	CredUID   Chain
	CredGID   Chain
	CredEUID  Chain
	CredSUID  Chain
	CredFSUID Chain
	CredEGID  Chain
	CredSGID  Chain
	CredFSGID Chain
	TTY       Chain
	Comm      Chain
	ExeDentry Chain
	// scalar offsets inside struct dentry
	DentryParent int32
	DentryName   int32
}

// ConfigRecord is the value stored at ConfigKey in config_map.
type ConfigRecord struct {
	UserlandPid uint32
	Offsets     Table
}

// ConfigRecordSize is the wire size of ConfigRecord in bytes.
var ConfigRecordSize = binary.Size(ConfigRecord{})

// NewChain builds a chain from steps, padding the tail with Sentinel.
func NewChain(steps ...int32) (Chain, error) {
	var c Chain

	if len(steps) > MaxChainLen-1 {
		return c, errors.Errorf("offset chain has %d steps, at most %d allowed", len(steps), MaxChainLen-1)
	}

	for i := range c {
		c[i] = Sentinel
	}
	for i, s := range steps {
		if s < 0 {
			return c, errors.Errorf("offset chain step %d is negative (%d)", i, s)
		}
		c[i] = s
	}
	return c, nil
}

func mustChain(steps ...int32) Chain {
	c, err := NewChain(steps...)
	if err != nil {
		panic(err)
	}
	return c
}

// Steps returns the steps before the sentinel.
func (c Chain) Steps() []int32 {
	for i, v := range c {
		if v == Sentinel {
			return append([]int32(nil), c[:i]...)
		}
	}
	return append([]int32(nil), c[:]...)
}

// Terminated reports whether the chain holds a sentinel.
func (c Chain) Terminated() bool {
	for _, v := range c {
		if v == Sentinel {
			return true
		}
	}
	return false
}

// Default returns the compiled-in calibration, measured on the kernel build the
// shipped kernel objects were developed against.
func Default() Table {
	return Table{
		Ppid:         mustChain(2256, 2244),
		Auid:         mustChain(2920),
		Ses:          mustChain(2924),
		Cred:         mustChain(2712),
		CredUID:      mustChain(4),
		CredGID:      mustChain(8),
		CredEUID:     mustChain(20),
		CredSUID:     mustChain(12),
		CredFSUID:    mustChain(28),
		CredEGID:     mustChain(24),
		CredSGID:     mustChain(16),
		CredFSGID:    mustChain(32),
		TTY:          mustChain(2816, 408, 368),
		Comm:         mustChain(2728),
		ExeDentry:    mustChain(2064, 928),
		DentryParent: 24,
		DentryName:   40,
	}
}

// NamedChains returns the chains keyed by the name used in profile files, in
// wire order.
func (t *Table) NamedChains() []NamedChain {
	return []NamedChain{
		{"ppid", &t.Ppid},
		{"auid", &t.Auid},
		{"ses", &t.Ses},
		{"cred", &t.Cred},
		{"cred_uid", &t.CredUID},
		{"cred_gid", &t.CredGID},
		{"cred_euid", &t.CredEUID},
		{"cred_suid", &t.CredSUID},
		{"cred_fsuid", &t.CredFSUID},
		{"cred_egid", &t.CredEGID},
		{"cred_sgid", &t.CredSGID},
		{"cred_fsgid", &t.CredFSGID},
		{"tty", &t.TTY},
		{"comm", &t.Comm},
		{"exe_dentry", &t.ExeDentry},
	}
}

type NamedChain struct {
	Name  string
	Chain *Chain
}

// Validate checks that every chain is terminated and non-empty.
func (t *Table) Validate() error {
	for _, nc := range t.NamedChains() {
		if !nc.Chain.Terminated() {
			return errors.Errorf("offset chain '%s' is not terminated by %d", nc.Name, Sentinel)
		}
		if nc.Chain[0] == Sentinel {
			return errors.Errorf("offset chain '%s' is empty", nc.Name)
		}
	}
	if t.DentryParent < 0 || t.DentryName < 0 {
		return errors.Errorf("dentry offsets must not be negative, parent:%d name:%d", t.DentryParent, t.DentryName)
	}
	return nil
}

// Fingerprint identifies a calibration by its wire bytes.
func (t *Table) Fingerprint() uint64 {
	var buf bytes.Buffer
	// writing fixed size values into a bytes.Buffer cannot fail
	_ = binary.Write(&buf, binary.LittleEndian, t)
	return xxhash.Sum64(buf.Bytes())
}

// MarshalBinary encodes the record exactly as laid out in memory, in host byte
// order, which is what the kernel program reads.
func (r ConfigRecord) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, ConfigRecordSize))
	if err := binary.Write(buf, binary.NativeEndian, &r); err != nil {
		return nil, errors.Wrap(err, "encode config record")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (r *ConfigRecord) UnmarshalBinary(data []byte) error {
	if len(data) != ConfigRecordSize {
		return errors.Errorf("config record is %d bytes, want %d", len(data), ConfigRecordSize)
	}
	if err := binary.Read(bytes.NewReader(data), binary.NativeEndian, r); err != nil {
		return errors.Wrap(err, "decode config record")
	}
	return nil
}
