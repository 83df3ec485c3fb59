package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
)

const codecHeaderLen = 8 + 2 + 4

var errShortEntry = errors.New("entry data is too short")

// MarshalEntry packs e as
// [8 storedAt unix nano][2 status][4 header len][header json][body]
// and compresses the result with snappy. Key is not included.
func MarshalEntry(e *Entry) ([]byte, error) {
	h, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header, %w", err)
	}
	raw := make([]byte, codecHeaderLen+len(h)+len(e.Body))
	binary.BigEndian.PutUint64(raw[0:8], uint64(e.StoredAt.UnixNano()))
	binary.BigEndian.PutUint16(raw[8:10], uint16(e.Status))
	binary.BigEndian.PutUint32(raw[10:14], uint32(len(h)))
	copy(raw[codecHeaderLen:], h)
	copy(raw[codecHeaderLen+len(h):], e.Body)
	return snappy.Encode(nil, raw), nil
}

// UnmarshalEntry is the inverse of MarshalEntry.
func UnmarshalEntry(key string, b []byte) (*Entry, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress entry, %w", err)
	}
	if len(raw) < codecHeaderLen {
		return nil, errShortEntry
	}
	storedAt := int64(binary.BigEndian.Uint64(raw[0:8]))
	status := int(binary.BigEndian.Uint16(raw[8:10]))
	hl := int(binary.BigEndian.Uint32(raw[10:14]))
	if len(raw) < codecHeaderLen+hl {
		return nil, errShortEntry
	}
	var h http.Header
	if err := json.Unmarshal(raw[codecHeaderLen:codecHeaderLen+hl], &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header, %w", err)
	}
	if h == nil {
		h = make(http.Header)
	}
	return &Entry{
		Key:      key,
		Status:   status,
		Header:   h,
		Body:     raw[codecHeaderLen+hl:],
		StoredAt: time.Unix(0, storedAt),
	}, nil
}
