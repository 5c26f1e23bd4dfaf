// Package fec implements a Reed-Solomon forward-error-correction shield
// over wire.Segment: an optional, off-by-default shield that groups
// consecutive data segments and ships parity shards alongside them,
// marked with wire.FlagFEC so a receiver that doesn't understand FEC
// simply ignores those segments (they carry no byte-offset data of their
// own). Disabled, the wire format is unchanged.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/aetherflow/quantumxfer/internal/quantum/wire"
)

// DefaultDataShards and DefaultParityShards set the default 10+3 group size.
const (
	DefaultDataShards   = 10
	DefaultParityShards = 3
)

// Config configures shard counts.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns the default 10+3 scheme.
func DefaultConfig() Config {
	return Config{DataShards: DefaultDataShards, ParityShards: DefaultParityShards}
}

// Encoder batches outgoing data segments into Reed-Solomon groups and
// emits parity segments once a group fills.
type Encoder struct {
	cfg     Config
	rs      reedsolomon.Encoder
	groupID uint32

	shards [][]byte // current group's data shard payloads
	bases  []uint32 // Seq of each data shard in the current group
	count  int
}

// NewEncoder constructs an Encoder.
func NewEncoder(cfg Config) (*Encoder, error) {
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new reedsolomon encoder: %w", err)
	}
	return &Encoder{
		cfg:     cfg,
		rs:      rs,
		groupID: 1,
		shards:  make([][]byte, cfg.DataShards),
		bases:   make([]uint32, cfg.DataShards),
	}, nil
}

// Peek returns the group ID and shard index the next call to AddData will
// assign, so a caller can tag the outgoing segment's header before sending
// it (the shard index travels with the data segment itself, reusing the
// SACK fields data segments otherwise leave zero).
func (e *Encoder) Peek() (groupID uint32, shardIndex int) {
	return e.groupID, e.count
}

// AddData feeds one outgoing data segment into the current group. Once the
// group has DataShards members, it returns the parity segments to send
// alongside the data (empty otherwise).
func (e *Encoder) AddData(seg wire.Segment) ([]wire.Segment, error) {
	payload := make([]byte, len(seg.Payload))
	copy(payload, seg.Payload)
	e.shards[e.count] = payload
	e.bases[e.count] = seg.Header.Seq
	e.count++

	if e.count < e.cfg.DataShards {
		return nil, nil
	}

	parity, err := e.encodeGroup()
	groupID := e.groupID
	e.groupID++
	e.count = 0
	e.shards = make([][]byte, e.cfg.DataShards)
	e.bases = make([]uint32, e.cfg.DataShards)
	if err != nil {
		return nil, err
	}

	out := make([]wire.Segment, len(parity))
	for i, shard := range parity {
		out[i] = wire.Segment{
			Header: wire.Header{
				Seq:       groupID,
				Ack:       uint32(i),
				Flags:     wire.FlagFEC,
				SackStart: uint32(e.cfg.DataShards),
				SackEnd:   uint32(e.cfg.ParityShards),
			},
			Payload: shard,
		}
	}
	return out, nil
}

func (e *Encoder) encodeGroup() ([][]byte, error) {
	maxLen := 0
	for _, s := range e.shards {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	for i := range e.shards {
		if len(e.shards[i]) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, e.shards[i])
			e.shards[i] = padded
		}
	}

	parity := make([][]byte, e.cfg.ParityShards)
	for i := range parity {
		parity[i] = make([]byte, maxLen)
	}

	all := append(append([][]byte{}, e.shards...), parity...)
	if err := e.rs.Encode(all); err != nil {
		return nil, fmt.Errorf("fec: encode group: %w", err)
	}
	return all[e.cfg.DataShards:], nil
}

// group is one in-progress decoding group at the receiver.
type group struct {
	dataShards   [][]byte
	parityShards [][]byte
	received     []bool
	count        int
}

// Decoder tracks in-flight FEC groups and can reconstruct a group's
// missing data shards once enough shards (data + parity) have arrived.
type Decoder struct {
	cfg    Config
	rs     reedsolomon.Encoder
	groups map[uint32]*group
}

// NewDecoder constructs a Decoder.
func NewDecoder(cfg Config) (*Decoder, error) {
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new reedsolomon decoder: %w", err)
	}
	return &Decoder{cfg: cfg, rs: rs, groups: make(map[uint32]*group)}, nil
}

// AddParityShard records an incoming FlagFEC segment. Reconstruction isn't
// attempted until enough shards have arrived; this shield only recovers
// whole missing data shards, it does not track which original sequence
// numbers the reconstructed bytes belong to (that correlation is carried
// by the ordinary retransmission/SACK path; FEC here exists purely to
// reduce how often that path is needed).
func (d *Decoder) AddParityShard(seg wire.Segment) {
	groupID := seg.Header.Seq
	shardIdx := int(seg.Header.Ack)

	g, ok := d.groups[groupID]
	if !ok {
		g = &group{
			dataShards:   make([][]byte, d.cfg.DataShards),
			parityShards: make([][]byte, d.cfg.ParityShards),
			received:     make([]bool, d.cfg.DataShards+d.cfg.ParityShards),
		}
		d.groups[groupID] = g
	}
	if shardIdx >= 0 && shardIdx < d.cfg.ParityShards {
		g.parityShards[shardIdx] = seg.Payload
		g.received[d.cfg.DataShards+shardIdx] = true
		g.count++
	}
}

// AddDataShard records an ordinary data segment's bytes against its FEC
// group, for later reconstruction if siblings are lost.
func (d *Decoder) AddDataShard(groupID uint32, shardIdx int, payload []byte) {
	g, ok := d.groups[groupID]
	if !ok {
		g = &group{
			dataShards:   make([][]byte, d.cfg.DataShards),
			parityShards: make([][]byte, d.cfg.ParityShards),
			received:     make([]bool, d.cfg.DataShards+d.cfg.ParityShards),
		}
		d.groups[groupID] = g
	}
	if shardIdx >= 0 && shardIdx < d.cfg.DataShards {
		g.dataShards[shardIdx] = payload
		g.received[shardIdx] = true
		g.count++
	}
}

// Reconstruct attempts to recover any missing data shards for groupID.
// ok is false if too few shards have arrived to reconstruct.
func (d *Decoder) Reconstruct(groupID uint32) (dataShards [][]byte, ok bool, err error) {
	g, exists := d.groups[groupID]
	if !exists || g.count < d.cfg.DataShards {
		return nil, false, nil
	}

	all := append(append([][]byte{}, g.dataShards...), g.parityShards...)
	if err := d.rs.ReconstructData(all); err != nil {
		return nil, false, fmt.Errorf("fec: reconstruct group %d: %w", groupID, err)
	}
	delete(d.groups, groupID)
	return all[:d.cfg.DataShards], true, nil
}
