// Package snowflake generates unique, roughly time-sortable 64-bit
// identifiers without central coordination.
//
// The layout, MSB to LSB, is: 1 spare bit, 41 bits of milliseconds since a
// fixed custom epoch, 10 bits of node id, log2(shardCount) bits of shard
// index, and the remaining sequence bits. Sequence state is kept per shard
// core and calls are spread across cores with an atomic round-robin cursor,
// so concurrent callers contend on shardCount mutexes instead of one.
package snowflake

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timestampBits     = 41
	nodeBits          = 10
	totalSequenceBits = 12

	nodeShift      = totalSequenceBits
	timestampShift = totalSequenceBits + nodeBits

	maxNodeID    = (1 << nodeBits) - 1
	maxTimestamp = (1 << timestampBits) - 1

	// sequenceSpinSleep bounds the busy-wait when a core exhausts its
	// sequence space within one millisecond.
	sequenceSpinSleep = 20 * time.Microsecond
)

var (
	// ErrClockRegression reports that the wall clock moved backwards past
	// tolerance for a shard core. Generating an id anyway would break
	// uniqueness and ordering, so this is fatal for the caller: it is never
	// retried internally and requires operator or clock intervention.
	ErrClockRegression = errors.New("snowflake: clock moved backwards")

	// ErrEpochExhausted reports that the 41-bit timestamp space since the
	// configured epoch has run out.
	ErrEpochExhausted = errors.New("snowflake: timestamp space exhausted")

	// ErrNodeIDOutOfRange reports a node id that does not fit in 10 bits.
	ErrNodeIDOutOfRange = errors.New("snowflake: node id out of range")

	// ErrShardCountInvalid reports a shard count that is not a power of two
	// or needs more bits than the sequence space provides.
	ErrShardCountInvalid = errors.New("snowflake: invalid shard count")
)

// defaultEpoch is 2024-01-01T00:00:00Z. 41 bits of milliseconds give the
// generator roughly 69 years of headroom from that instant.
var defaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Generator produces unique 64-bit identifiers. It is safe for concurrent
// use without external locking.
type Generator struct {
	nodeID           uint64
	shardCount       uint64
	shardBits        uint
	coreSequenceBits uint
	sequenceMask     uint64
	epochMillis      int64
	cores            []generatorCore
	cursor           atomic.Uint64
	now              func() int64
}

type generatorCore struct {
	mu         sync.Mutex
	lastMillis int64
	sequence   uint64
}

// Option configures a Generator.
type Option func(*Generator)

// WithShardCount sets the number of independent sequence cores. The count
// must be a power of two and its index bits must fit inside the 12-bit
// sequence space.
func WithShardCount(count int) Option {
	return func(gen *Generator) {
		gen.shardCount = uint64(count)
	}
}

// WithEpoch overrides the fixed custom epoch. All generators of one
// deployment must share the same epoch.
func WithEpoch(epoch time.Time) Option {
	return func(gen *Generator) {
		gen.epochMillis = epoch.UnixMilli()
	}
}

// WithClock overrides the millisecond clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(gen *Generator) {
		if now != nil {
			gen.now = func() int64 { return now().UnixMilli() }
		}
	}
}

// New creates a Generator for the given node id.
func New(nodeID uint64, opts ...Option) (*Generator, error) {
	gen := &Generator{
		nodeID:      nodeID,
		shardCount:  1,
		epochMillis: defaultEpoch.UnixMilli(),
		now:         func() int64 { return time.Now().UnixMilli() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(gen)
		}
	}

	if gen.nodeID > maxNodeID {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrNodeIDOutOfRange, gen.nodeID, maxNodeID)
	}

	if gen.shardCount == 0 || gen.shardCount&(gen.shardCount-1) != 0 {
		return nil, fmt.Errorf("%w: %d is not a power of two", ErrShardCountInvalid, gen.shardCount)
	}

	gen.shardBits = uint(bits.TrailingZeros64(gen.shardCount))
	if gen.shardBits > totalSequenceBits {
		return nil, fmt.Errorf(
			"%w: %d shards need %d bits, only %d available",
			ErrShardCountInvalid, gen.shardCount, gen.shardBits, totalSequenceBits,
		)
	}

	gen.coreSequenceBits = totalSequenceBits - gen.shardBits
	gen.sequenceMask = (uint64(1) << gen.coreSequenceBits) - 1
	gen.cores = make([]generatorCore, gen.shardCount)

	return gen, nil
}

// ShardCount returns the number of sequence cores.
func (gen *Generator) ShardCount() int {
	return int(gen.shardCount)
}

// NextID returns the next unique identifier.
//
// IDs from the same (node, shard) pair are strictly increasing. A clock
// regression on the selected core returns ErrClockRegression and leaves the
// core untouched.
func (gen *Generator) NextID() (uint64, error) {
	shardIndex := gen.cursor.Add(1) & (gen.shardCount - 1)

	return gen.nextForShard(shardIndex)
}

func (gen *Generator) nextForShard(shardIndex uint64) (uint64, error) {
	core := &gen.cores[shardIndex]

	core.mu.Lock()
	defer core.mu.Unlock()

	now := gen.now() - gen.epochMillis

	if now < core.lastMillis {
		return 0, fmt.Errorf("%w: shard %d is %dms ahead of wall clock",
			ErrClockRegression, shardIndex, core.lastMillis-now)
	}

	if now == core.lastMillis {
		core.sequence = (core.sequence + 1) & gen.sequenceMask
		if core.sequence == 0 {
			now = gen.waitNextMillis(core.lastMillis)
		}
	} else {
		core.sequence = 0
	}

	if now > maxTimestamp {
		return 0, ErrEpochExhausted
	}

	core.lastMillis = now

	id := uint64(now)<<timestampShift |
		gen.nodeID<<nodeShift |
		shardIndex<<gen.coreSequenceBits |
		core.sequence

	return id, nil
}

// waitNextMillis sleeps in small increments until the clock passes
// lastMillis. Sequence exhaustion within one millisecond is the only
// suspension point of the generator.
func (gen *Generator) waitNextMillis(lastMillis int64) int64 {
	now := gen.now() - gen.epochMillis
	for now <= lastMillis {
		time.Sleep(sequenceSpinSleep)

		now = gen.now() - gen.epochMillis
	}

	return now
}

// Timestamp extracts the creation time encoded in an id, relative to the
// generator's epoch.
func (gen *Generator) Timestamp(id uint64) time.Time {
	millis := int64(id>>timestampShift) + gen.epochMillis

	return time.UnixMilli(millis).UTC()
}

// Decompose splits an id into its timestamp, node, shard, and sequence
// parts using the generator's bit layout.
func (gen *Generator) Decompose(id uint64) (timestampMillis int64, nodeID, shardIndex, sequence uint64) {
	timestampMillis = int64(id >> timestampShift)
	nodeID = (id >> nodeShift) & maxNodeID
	shardIndex = (id >> gen.coreSequenceBits) & (gen.shardCount - 1)
	sequence = id & gen.sequenceMask

	return timestampMillis, nodeID, shardIndex, sequence
}
