package fragment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
)

const (
	// Wire overhead before fragment data: 32-byte transaction id,
	// big-endian u16 index, total and data length.
	WireOverhead = 38

	// MaxFragmentData is the usable data size per fragment for the
	// default transport MTU.
	MaxFragmentData = packet.MaxPayloadSize - packet.HeaderSize - 6

	// MaxFragments bounds how many fragments one transaction may span.
	MaxFragments = 100

	// Clamps applied to caller-supplied per-fragment data limits.
	minDataLimit = 20
	maxDataLimit = 512
)

var (
	ErrInvalidFragment       = errors.New("invalid fragment")
	ErrNoFragments           = errors.New("no fragments provided")
	ErrTransactionIDMismatch = errors.New("fragment transaction ID mismatch")
	ErrMissingFragment       = errors.New("missing fragment")
	ErrHashMismatch          = errors.New("transaction hash mismatch")
)

// Fragment is one bounded chunk of a larger payload. TransactionID is
// the SHA-256 hash of the complete payload and doubles as the
// fragment-set key and the end-to-end integrity check.
type Fragment struct {
	TransactionID [32]byte
	Index         uint16
	Total         uint16
	Data          []byte
}

// TransactionID computes the content hash naming a payload's fragment set.
func TransactionID(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// TxIDHex renders the transaction ID for logs and queue keys.
func (f *Fragment) TxIDHex() string {
	return hex.EncodeToString(f.TransactionID[:])
}

// Split fragments a payload into MaxFragmentData-sized chunks. Pure and
// deterministic: the same input always yields the same fragment set. An
// empty payload yields a single empty fragment so that every payload,
// including the empty one, survives a round trip.
func Split(data []byte) []Fragment {
	return SplitWithLimit(data, MaxFragmentData)
}

// SplitWithLimit fragments with a caller-supplied per-fragment data
// limit, for transports that negotiated a different MTU. The limit is
// clamped to [20, 512].
func SplitWithLimit(data []byte, maxData int) []Fragment {
	if maxData < minDataLimit {
		maxData = minDataLimit
	}
	if maxData > maxDataLimit {
		maxData = maxDataLimit
	}

	txID := TransactionID(data)

	total := (len(data) + maxData - 1) / maxData
	if total == 0 {
		total = 1
	}

	fragments := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxData
		end := start + maxData
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-start)
		copy(chunk, data[start:end])

		fragments = append(fragments, Fragment{
			TransactionID: txID,
			Index:         uint16(i),
			Total:         uint16(total),
			Data:          chunk,
		})
	}

	return fragments
}

// Reassemble reconstructs the original payload from fragments supplied
// in any order. The recomputed content hash must match TransactionID;
// this is the single integrity guarantee against corrupted fragments.
func Reassemble(fragments []Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, ErrNoFragments
	}

	txID := fragments[0].TransactionID
	total := fragments[0].Total

	for i := range fragments {
		if fragments[i].TransactionID != txID {
			return nil, ErrTransactionIDMismatch
		}
		if fragments[i].Total != total {
			return nil, fmt.Errorf("%w: total count disagrees", ErrTransactionIDMismatch)
		}
	}

	if len(fragments) != int(total) {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrMissingFragment, len(fragments), total)
	}

	sorted := make([]Fragment, len(fragments))
	copy(sorted, fragments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	seen := make(map[uint16]struct{}, len(sorted))
	for i := range sorted {
		seen[sorted[i].Index] = struct{}{}
	}
	for i := uint16(0); i < total; i++ {
		if _, ok := seen[i]; !ok {
			return nil, fmt.Errorf("%w at index %d", ErrMissingFragment, i)
		}
	}

	size := 0
	for i := range sorted {
		size += len(sorted[i].Data)
	}
	reconstructed := make([]byte, 0, size)
	for i := range sorted {
		reconstructed = append(reconstructed, sorted[i].Data...)
	}

	if TransactionID(reconstructed) != txID {
		return nil, ErrHashMismatch
	}

	return reconstructed, nil
}

// Serialize encodes the fragment wire layout: transaction id, index,
// total, data length, data.
func (f *Fragment) Serialize() []byte {
	buf := make([]byte, WireOverhead+len(f.Data))
	copy(buf[0:32], f.TransactionID[:])
	binary.BigEndian.PutUint16(buf[32:34], f.Index)
	binary.BigEndian.PutUint16(buf[34:36], f.Total)
	binary.BigEndian.PutUint16(buf[36:38], uint16(len(f.Data)))
	copy(buf[WireOverhead:], f.Data)
	return buf
}

func Deserialize(buf []byte) (Fragment, error) {
	var f Fragment
	if len(buf) < WireOverhead {
		return f, fmt.Errorf("%w: truncated (%d bytes)", ErrInvalidFragment, len(buf))
	}

	copy(f.TransactionID[:], buf[0:32])
	f.Index = binary.BigEndian.Uint16(buf[32:34])
	f.Total = binary.BigEndian.Uint16(buf[34:36])
	dataLen := int(binary.BigEndian.Uint16(buf[36:38]))

	if len(buf) < WireOverhead+dataLen {
		return f, fmt.Errorf("%w: declared %d data bytes, have %d", ErrInvalidFragment, dataLen, len(buf)-WireOverhead)
	}

	f.Data = make([]byte, dataLen)
	copy(f.Data, buf[WireOverhead:WireOverhead+dataLen])
	return f, nil
}
