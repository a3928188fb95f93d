// Package fid implements the FID (file identifier) type and the sequence
// allocator client the engine consumes as an external collaborator
// (spec.md §6: "FID allocator: seq_client_init/fini/alloc_fid").
package fid

import (
	"fmt"
	"sync"

	"github.com/teris-io/shortid"
)

// FID identifies one object: a sequence, an object id within that sequence,
// and a version, mirroring struct lu_fid.
type FID struct {
	Seq uint64
	OID uint32
	Ver uint32
}

// Zero is the distinguished "unset" FID (fid_is_zero).
var Zero = FID{}

func (f FID) IsZero() bool { return f == Zero }

func (f FID) String() string {
	return fmt.Sprintf("[0x%x:0x%x:0x%x]", f.Seq, f.OID, f.Ver)
}

// Well-known local FIDs (spec.md §4.9 step 4, §6 persisted-state layout).
var (
	LocalName = FID{Seq: 0xA, OID: 1, Ver: 0}
	LocalFile = FID{Seq: 0xA, OID: 2, Ver: 0}
)

const OtableItOID = 3

// Client allocates new FIDs for one Instance's device, analogous to the
// seq_client the original binds per-device at register time. It hands out
// monotonically increasing object ids inside a sequence minted once, at
// construction, from a process-wide short id generator -- the durable
// sequence-exhaustion/range-refill protocol itself is the (out-of-scope)
// FID allocator's concern, not this client's.
type Client struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint32
}

// Init mirrors seq_client_init: mints this device's sequence number.
func Init() (*Client, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("fid: seq_client_init: %w", err)
	}
	var seq uint64
	for _, c := range sid {
		seq = seq*131 + uint64(c)
	}
	if seq == 0 {
		seq = 1
	}
	return &Client{seq: seq, nextID: 1}, nil
}

// AllocFID hands out the next FID in this client's sequence.
func (c *Client) AllocFID() (FID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextID == 0 {
		return Zero, fmt.Errorf("fid: sequence 0x%x exhausted", c.seq)
	}
	f := FID{Seq: c.seq, OID: c.nextID, Ver: 0}
	c.nextID++
	return f, nil
}

// Fini mirrors seq_client_fini; present for symmetry with the C API, no
// resources are held beyond the in-memory counter.
func (c *Client) Fini() {}
