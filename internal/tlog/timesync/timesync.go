// Package timesync parses the per-boot timesync files (spec §4.1) and
// answers "closest timesync item at or before continuous time T for boot
// UUID B", the conversion tracev3 continuous times ultimately depend on.
package timesync

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arjunv/unifiedlog/internal/model"
	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
)

var magic = []byte("TSYN")

const (
	headerSize = 4 + 16 + 4 + 4 + 8 + 8
	itemSize   = 8 + 8 + 4 + 4
)

// Item is one (continuous_time, wall_clock_stamp, numerator, denominator)
// entry, sorted by ContinuousTime within a Boot.
type Item struct {
	ContinuousTime   uint64
	WallClockStampNS int64
	Numerator        uint32
	Denominator      uint32
}

// Boot is a single per-boot timesync record: a header plus its item list.
type Boot struct {
	BootUUID              uuid.UUID
	Numerator             uint32
	Denominator           uint32
	WallClockEpochNS      int64
	InitialContinuousTime uint64
	Items                 []Item
}

// Store is the read-only, process-lifetime set of parsed boot records,
// keyed by boot UUID (spec §5 "shared resources").
type Store struct {
	boots map[uuid.UUID]*Boot
}

func NewStore() *Store {
	return &Store{boots: make(map[uuid.UUID]*Boot)}
}

// LoadDir parses every file directly under dir as a timesync boot record.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return model.NewParseError(model.KindIOFailure, dir, 0, 0, err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "._") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return model.NewParseError(model.KindIOFailure, path, 0, 0, err)
		}
		if len(data) == 0 {
			continue
		}
		boot, err := Parse(data)
		if err != nil {
			return model.NewParseError(model.KindMalformedChunk, path, 0, 0, err)
		}
		s.boots[boot.BootUUID] = boot
	}
	return nil
}

// Parse decodes a single timesync boot record: a fixed header followed by a
// sequence of fixed-size items, sorted by continuous_time per spec §3.
func Parse(data []byte) (*Boot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("timesync file too short: %d bytes", len(data))
	}
	c := binreader.New(data)
	sig, err := c.Take(4)
	if err != nil {
		return nil, err
	}
	if string(sig) != string(magic) {
		return nil, fmt.Errorf("bad timesync signature %q", sig)
	}
	rawUUID, err := c.Take(16)
	if err != nil {
		return nil, err
	}
	bootUUID, err := uuid.FromBytes(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid boot uuid: %w", err)
	}
	num, err := c.U32()
	if err != nil {
		return nil, err
	}
	den, err := c.U32()
	if err != nil {
		return nil, err
	}
	epoch, err := c.U64()
	if err != nil {
		return nil, err
	}
	initCT, err := c.U64()
	if err != nil {
		return nil, err
	}

	boot := &Boot{
		BootUUID:              bootUUID,
		Numerator:              num,
		Denominator:            den,
		WallClockEpochNS:       int64(epoch),
		InitialContinuousTime:  initCT,
	}

	for c.Remaining() >= itemSize {
		ct, err := c.U64()
		if err != nil {
			return nil, err
		}
		stamp, err := c.U64()
		if err != nil {
			return nil, err
		}
		inum, err := c.U32()
		if err != nil {
			return nil, err
		}
		iden, err := c.U32()
		if err != nil {
			return nil, err
		}
		boot.Items = append(boot.Items, Item{
			ContinuousTime:   ct,
			WallClockStampNS: int64(stamp),
			Numerator:        inum,
			Denominator:      iden,
		})
	}

	sort.Slice(boot.Items, func(i, j int) bool {
		return boot.Items[i].ContinuousTime < boot.Items[j].ContinuousTime
	})

	return boot, nil
}

// Resolve returns the item list for a boot UUID, fatal-to-file if missing
// per spec §7 (TimesyncMissing).
func (s *Store) Resolve(bootUUID uuid.UUID) ([]Item, error) {
	boot, ok := s.boots[bootUUID]
	if !ok {
		return nil, model.NewParseError(model.KindTimesyncMissing, "", 0, 0,
			fmt.Errorf("no timesync data for boot uuid %s", bootUUID))
	}
	return boot.Items, nil
}

// Closest returns the last item with ContinuousTime <= ct, or the first item
// if ct precedes all of them (spec §4.1).
func Closest(items []Item, ct uint64) (Item, error) {
	if len(items) == 0 {
		return Item{}, fmt.Errorf("empty timesync item list")
	}
	closest := items[0]
	for _, it := range items {
		if it.ContinuousTime > ct {
			break
		}
		closest = it
	}
	return closest, nil
}

// WallClock converts a continuous time to wall-clock time under the given
// timesync item: stamp + (ct - item.continuous_time) * num/den, at
// nanosecond precision (spec §4.1).
func WallClock(item Item, ct uint64) time.Time {
	var deltaCT int64
	if ct >= item.ContinuousTime {
		deltaCT = int64(ct - item.ContinuousTime)
	} else {
		deltaCT = -int64(item.ContinuousTime - ct)
	}
	den := int64(item.Denominator)
	if den == 0 {
		den = 1
	}
	deltaNS := deltaCT * int64(item.Numerator) / den
	return binreader.NanoEpochToTime(item.WallClockStampNS + deltaNS)
}
