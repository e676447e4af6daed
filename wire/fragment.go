// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"
)

// fragmentHeader is [tag][8 byte fragment set id][2 byte index][2 byte total].
const fragmentHeaderLen = 1 + 8 + 2 + 2

var (
	// ErrTooManyFragments is the error returned when a payload would
	// require more fragments than the 16 bit index can address.
	ErrTooManyFragments = errors.New("wire: too many fragments")

	// ErrFragmentMismatch is the error returned when a fragment is
	// inconsistent with its fragment set.
	ErrFragmentMismatch = errors.New("wire: fragment mismatch")
)

// Fragment splits payload into frame contents for the given tag, each small
// enough to fit in one frame.  Single-fragment payloads still carry the
// fragment header so the receive path is uniform.
func (g *Geometry) Fragment(tag byte, payload []byte) ([][]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	chunkSize := g.MaxContentSize() - fragmentHeaderLen
	nrChunks := (len(payload) + chunkSize - 1) / chunkSize
	if nrChunks == 0 {
		nrChunks = 1
	}
	if nrChunks > 0xffff {
		return nil, ErrTooManyFragments
	}

	var setID [8]byte
	if _, err := io.ReadFull(rand.Reader, setID[:]); err != nil {
		return nil, err
	}

	contents := make([][]byte, 0, nrChunks)
	for i := 0; i < nrChunks; i++ {
		off := i * chunkSize
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		c := make([]byte, fragmentHeaderLen+end-off)
		c[0] = tag
		copy(c[1:9], setID[:])
		binary.BigEndian.PutUint16(c[9:11], uint16(i))
		binary.BigEndian.PutUint16(c[11:13], uint16(nrChunks))
		copy(c[fragmentHeaderLen:], payload[off:end])
		contents = append(contents, c)
	}
	return contents, nil
}

type fragmentSet struct {
	tag      byte
	total    int
	received int
	chunks   [][]byte
}

// Reassembler accumulates fragments until a fragment set completes.
type Reassembler struct {
	sync.Mutex
	sets map[[8]byte]*fragmentSet
}

// NewReassembler constructs a Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		sets: make(map[[8]byte]*fragmentSet),
	}
}

// Add ingests one frame content.  When the fragment set completes it returns
// the tag and the reassembled payload, otherwise a zero tag and nil.
func (r *Reassembler) Add(content []byte) (byte, []byte, error) {
	if len(content) < fragmentHeaderLen {
		return 0, nil, ErrMalformedFrame
	}
	tag := content[0]
	var setID [8]byte
	copy(setID[:], content[1:9])
	idx := int(binary.BigEndian.Uint16(content[9:11]))
	total := int(binary.BigEndian.Uint16(content[11:13]))
	if total == 0 || idx >= total {
		return 0, nil, ErrMalformedFrame
	}

	r.Lock()
	defer r.Unlock()

	set, ok := r.sets[setID]
	if !ok {
		set = &fragmentSet{
			tag:    tag,
			total:  total,
			chunks: make([][]byte, total),
		}
		r.sets[setID] = set
	}
	if set.tag != tag || set.total != total {
		return 0, nil, ErrFragmentMismatch
	}
	if set.chunks[idx] == nil {
		set.chunks[idx] = append([]byte{}, content[fragmentHeaderLen:]...)
		set.received++
	}
	if set.received != set.total {
		return 0, nil, nil
	}

	delete(r.sets, setID)
	var payload []byte
	for _, c := range set.chunks {
		payload = append(payload, c...)
	}
	return tag, payload, nil
}
