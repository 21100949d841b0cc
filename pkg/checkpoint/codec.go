package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/holiman/uint256"

	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// Record is the persisted form of a snapshot. Integers are decimal strings so
// 256-bit accumulators survive JSON untouched.
type Record struct {
	Price0CumulativeLast string `json:"price0CumulativeLast"`
	Price1CumulativeLast string `json:"price1CumulativeLast"`
	BlockTimestampLast   string `json:"blockTimestampLast"`
}

// ToRecord encodes s.
func ToRecord(s pool.Snapshot) Record {
	return Record{
		Price0CumulativeLast: s.Price0Cumulative.Dec(),
		Price1CumulativeLast: s.Price1Cumulative.Dec(),
		BlockTimestampLast:   strconv.FormatUint(uint64(s.BlockTimestamp), 10),
	}
}

// Snapshot decodes r for the given pair key.
func (r Record) Snapshot(key string) (pool.Snapshot, error) {
	if r.Price0CumulativeLast == "" || r.Price1CumulativeLast == "" || r.BlockTimestampLast == "" {
		return pool.Snapshot{}, errors.New("missing field")
	}
	p0, err := uint256.FromDecimal(r.Price0CumulativeLast)
	if err != nil {
		return pool.Snapshot{}, fmt.Errorf("price0CumulativeLast %q: %w", r.Price0CumulativeLast, err)
	}
	p1, err := uint256.FromDecimal(r.Price1CumulativeLast)
	if err != nil {
		return pool.Snapshot{}, fmt.Errorf("price1CumulativeLast %q: %w", r.Price1CumulativeLast, err)
	}
	ts, err := strconv.ParseUint(r.BlockTimestampLast, 10, 32)
	if err != nil {
		return pool.Snapshot{}, fmt.Errorf("blockTimestampLast %q: %w", r.BlockTimestampLast, err)
	}
	return pool.Snapshot{
		Price0Cumulative: p0,
		Price1Cumulative: p1,
		BlockTimestamp:   uint32(ts),
		Pair:             key,
	}, nil
}

func decodeEntry(location, key string, raw []byte) (pool.Snapshot, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pool.Snapshot{}, &CorruptCheckpointError{Location: location, Key: key, Err: err}
	}
	snap, err := rec.Snapshot(key)
	if err != nil {
		return pool.Snapshot{}, &CorruptCheckpointError{Location: location, Key: key, Err: err}
	}
	return snap, nil
}

// decodeEntries decodes every checkpoint entry in key order. Entries another
// tool wrote (see isForeign) are skipped; a damaged checkpoint fails the call.
func decodeEntries(location string, raw map[string][]byte) (map[string]pool.Snapshot, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]pool.Snapshot, len(raw))
	for _, k := range keys {
		if isForeign(raw[k]) {
			continue
		}
		snap, err := decodeEntry(location, k, raw[k])
		if err != nil {
			return nil, err
		}
		out[k] = snap
	}
	return out, nil
}

// mergeEntry overlays the snapshot fields onto an existing entry, keeping any
// other fields a different writer put there. A nil or unparsable prev is
// replaced outright.
func mergeEntry(prev []byte, snap pool.Snapshot) ([]byte, error) {
	rec := ToRecord(snap)
	fields := map[string]json.RawMessage{}
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &fields); err != nil || fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	for name, val := range map[string]string{
		"price0CumulativeLast": rec.Price0CumulativeLast,
		"price1CumulativeLast": rec.Price1CumulativeLast,
		"blockTimestampLast":   rec.BlockTimestampLast,
	} {
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		fields[name] = b
	}
	return json.Marshal(fields)
}

// isForeign reports whether raw is not an object or carries none of the
// checkpoint fields, i.e. another tool wrote it.
func isForeign(raw []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return true
	}
	for _, name := range []string{"price0CumulativeLast", "price1CumulativeLast", "blockTimestampLast"} {
		if _, ok := fields[name]; ok {
			return false
		}
	}
	return true
}
