// Package ydoc provides the replicated document handle rooms hold.
//
// The gateway only relies on the Document interface: state vectors,
// full or differential state encoding, and idempotent commutative
// update application. Doc is a small last-writer-wins map that satisfies
// that contract so rooms can be exercised end to end; a different CRDT
// can be plugged in through the registry's document factory.
package ydoc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidUpdate is returned for update or state vector bytes that do
// not decode. The document is left untouched.
var ErrInvalidUpdate = errors.New("ydoc: invalid update")

// ErrDocumentFull is returned by ApplyUpdate when merging would take the
// document past MaxItems. The document is left untouched.
var ErrDocumentFull = errors.New("ydoc: document full")

// MaxItems bounds the items a document holds. It equals the decoder's
// array and map limits, so any full state a document encodes, and its
// state vector, decode again.
const MaxItems = 1 << 20

// Document is the opaque replicated state owned by a room.
type Document interface {
	EncodeStateVector() []byte
	// EncodeStateAsUpdate returns every change not covered by since.
	// A nil or empty since encodes the full state.
	EncodeStateAsUpdate(since []byte) ([]byte, error)
	ApplyUpdate(update []byte) error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ydoc: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: MaxItems,
		MaxMapPairs:      MaxItems,
	}.DecMode()
	if err != nil {
		panic("ydoc: cbor decoder: " + err.Error())
	}
}

type item struct {
	Client  uint64 `cbor:"c"`
	Clock   uint64 `cbor:"k"`
	Lamport uint64 `cbor:"l"`
	Key     string `cbor:"n"`
	Value   []byte `cbor:"v,omitempty"`
	Deleted bool   `cbor:"d,omitempty"`
}

type update struct {
	Items []item `cbor:"i"`
}

// Doc is a last-writer-wins map keyed by string. Every write is an item
// identified by (client, clock); the winner for a key is the item with
// the highest (lamport, client). Doc is not safe for concurrent use; the
// owning room serializes access.
type Doc struct {
	client  uint64
	items   map[uint64]map[uint64]item
	size    int
	lamport uint64
}

// New returns an empty document for a replica that never writes locally,
// such as the server side of a room.
func New() *Doc {
	return NewWithClient(0)
}

// NewWithClient returns an empty document whose local writes are stamped
// with client.
func NewWithClient(client uint64) *Doc {
	return &Doc{client: client, items: make(map[uint64]map[uint64]item)}
}

// EncodeStateVector returns, per client, how many consecutive clocks
// starting at zero this replica holds.
func (d *Doc) EncodeStateVector() []byte {
	vector := make(map[uint64]uint64, len(d.items))
	for client := range d.items {
		vector[client] = d.contiguous(client)
	}
	data, err := encMode.Marshal(vector)
	if err != nil {
		panic("ydoc: encode state vector: " + err.Error())
	}
	return data
}

func (d *Doc) EncodeStateAsUpdate(since []byte) ([]byte, error) {
	vector, err := DecodeStateVector(since)
	if err != nil {
		return nil, err
	}
	var out update
	for client, clocks := range d.items {
		known := vector[client]
		for clock, it := range clocks {
			if clock >= known {
				out.Items = append(out.Items, it)
			}
		}
	}
	sortItems(out.Items)
	data, err := encMode.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// ApplyUpdate merges every item of update not already present. The whole
// payload is decoded and checked against MaxItems before anything is
// merged.
func (d *Doc) ApplyUpdate(data []byte) error {
	var in update
	if err := decMode.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if fresh := d.unseen(in.Items); d.size+fresh > MaxItems {
		return fmt.Errorf("%w: %d items held, update adds %d", ErrDocumentFull, d.size, fresh)
	}
	for _, it := range in.Items {
		d.insert(it)
	}
	return nil
}

// Len returns the number of items held, superseded and pending included.
func (d *Doc) Len() int { return d.size }

// Set writes key locally and returns the update describing the write. It
// returns nil when the document is full.
func (d *Doc) Set(key string, value []byte) []byte {
	return d.write(item{Key: key, Value: value})
}

// Delete removes key locally and returns the update describing it, or nil
// when the document is full.
func (d *Doc) Delete(key string) []byte {
	return d.write(item{Key: key, Deleted: true})
}

// Get returns the current value of key.
func (d *Doc) Get(key string) ([]byte, bool) {
	winner, ok := d.winners()[key]
	if !ok || winner.Deleted {
		return nil, false
	}
	return winner.Value, true
}

// Snapshot returns the live key/value view.
func (d *Doc) Snapshot() map[string][]byte {
	view := make(map[string][]byte)
	for key, winner := range d.winners() {
		if !winner.Deleted {
			view[key] = winner.Value
		}
	}
	return view
}

// DecodeStateVector parses a vector produced by EncodeStateVector. Empty
// input is the empty vector.
func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	vector := make(map[uint64]uint64)
	if len(data) == 0 {
		return vector, nil
	}
	if err := decMode.Unmarshal(data, &vector); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrInvalidUpdate, err)
	}
	return vector, nil
}

func (d *Doc) write(it item) []byte {
	if d.size >= MaxItems {
		return nil
	}
	it.Client = d.client
	it.Clock = d.nextClock()
	it.Lamport = d.lamport + 1
	d.insert(it)
	data, err := encMode.Marshal(update{Items: []item{it}})
	if err != nil {
		panic("ydoc: encode local write: " + err.Error())
	}
	return data
}

func (d *Doc) nextClock() uint64 {
	var next uint64
	for clock := range d.items[d.client] {
		if clock >= next {
			next = clock + 1
		}
	}
	return next
}

func (d *Doc) insert(it item) {
	clocks, ok := d.items[it.Client]
	if !ok {
		clocks = make(map[uint64]item)
		d.items[it.Client] = clocks
	}
	if _, seen := clocks[it.Clock]; seen {
		return
	}
	clocks[it.Clock] = it
	d.size++
	if it.Lamport > d.lamport {
		d.lamport = it.Lamport
	}
}

// unseen counts the distinct items of batch the document does not hold.
func (d *Doc) unseen(batch []item) int {
	type id struct{ client, clock uint64 }
	fresh := make(map[id]struct{})
	for _, it := range batch {
		if _, seen := d.items[it.Client][it.Clock]; !seen {
			fresh[id{it.Client, it.Clock}] = struct{}{}
		}
	}
	return len(fresh)
}

func (d *Doc) contiguous(client uint64) uint64 {
	clocks := d.items[client]
	var n uint64
	for {
		if _, ok := clocks[n]; !ok {
			return n
		}
		n++
	}
}

func (d *Doc) winners() map[string]item {
	out := make(map[string]item)
	for _, clocks := range d.items {
		for _, it := range clocks {
			current, ok := out[it.Key]
			if !ok || wins(it, current) {
				out[it.Key] = it
			}
		}
	}
	return out
}

func wins(a, b item) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.Client != b.Client {
		return a.Client > b.Client
	}
	return a.Clock > b.Clock
}

func sortItems(items []item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Client != items[j].Client {
			return items[i].Client < items[j].Client
		}
		return items[i].Clock < items[j].Clock
	})
}
