// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/p2pd/p2pd/wire"
)

const (
	// banEntryVersion is the version written with every ban entry.
	banEntryVersion = 1

	// banEntrySize is the encoded size of one ban entry.
	banEntrySize = net.IPv6len + 1 + 4 + 8 + 8 + 1

	// banChecksumSize is the size of the trailing file checksum.
	banChecksumSize = chainhash.HashSize

	// DefaultBanFile is the name of the ban file under the data directory.
	DefaultBanFile = "banlist.dat"
)

// ErrBanFileCorrupt is returned when the ban file fails its integrity
// checks.
var ErrBanFileCorrupt = errors.New("ban file corrupt")

// BanReason records why a subnet was banned.
type BanReason uint8

// These constants define the ban reasons.
const (
	BanReasonUnknown BanReason = iota
	BanReasonNodeMisbehaving
	BanReasonManuallyAdded
)

// Map of BanReason values back to their names for pretty printing.
var banReasonStrings = map[BanReason]string{
	BanReasonUnknown:         "unknown",
	BanReasonNodeMisbehaving: "node misbehaving",
	BanReasonManuallyAdded:   "manually added",
}

// String returns the BanReason in human-readable form.
func (r BanReason) String() string {
	if s, ok := banReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("Unknown BanReason (%d)", uint8(r))
}

// BanEntry is one banned subnet.
type BanEntry struct {
	Subnet     *net.IPNet
	Version    int32
	CreateTime time.Time
	BanUntil   time.Time
	Reason     BanReason
}

// normalizeSubnet returns subnet with IPv4 networks in their 4-byte form and
// the address masked, so equal subnets have equal keys.
func normalizeSubnet(subnet *net.IPNet) *net.IPNet {
	ones, bits := subnet.Mask.Size()
	if ip4 := subnet.IP.To4(); ip4 != nil {
		if bits == 8*net.IPv6len {
			ones -= 96
			if ones < 0 {
				ones = 0
			}
		}
		mask := net.CIDRMask(ones, 8*net.IPv4len)
		return &net.IPNet{IP: ip4.Mask(mask), Mask: mask}
	}
	mask := net.CIDRMask(ones, 8*net.IPv6len)
	return &net.IPNet{IP: subnet.IP.To16().Mask(mask), Mask: mask}
}

// ParseSubnet parses a CIDR subnet or a single IP address, which is treated
// as a /32 or /128.
func ParseSubnet(s string) (*net.IPNet, error) {
	if _, subnet, err := net.ParseCIDR(s); err == nil {
		return normalizeSubnet(subnet), nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid subnet %q", s)
	}
	return SingleIPSubnet(ip), nil
}

// SingleIPSubnet returns the /32 or /128 subnet holding only ip.
func SingleIPSubnet(ip net.IP) *net.IPNet {
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)}
}

// BanStore holds the banned subnets.  Changes are only written to disk by
// Save, and only when something changed since the last successful write.
// Expired entries are removed on every read and by Sweep.
//
// BanStore is safe for concurrent access.
type BanStore struct {
	mtx   sync.Mutex
	path  string
	magic wire.NetMagic
	bans  map[string]*BanEntry
	dirty bool
	now   func() time.Time
}

// NewBanStore returns an empty ban store persisted at path.  An empty path
// keeps the bans in memory only.
func NewBanStore(path string, magic wire.NetMagic, now func() time.Time) *BanStore {
	if now == nil {
		now = time.Now
	}
	return &BanStore{
		path:  path,
		magic: magic,
		bans:  make(map[string]*BanEntry),
		now:   now,
	}
}

// Ban bans subnet until the given time.  An existing ban is only ever
// extended.
func (s *BanStore) Ban(subnet *net.IPNet, reason BanReason, until time.Time) {
	subnet = normalizeSubnet(subnet)
	key := subnet.String()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if e, ok := s.bans[key]; ok && !until.After(e.BanUntil) {
		return
	}
	s.bans[key] = &BanEntry{
		Subnet:     subnet,
		Version:    banEntryVersion,
		CreateTime: s.now(),
		BanUntil:   until,
		Reason:     reason,
	}
	s.dirty = true
}

// Unban removes the ban on subnet.  It returns false when subnet was not
// banned.
func (s *BanStore) Unban(subnet *net.IPNet) bool {
	key := normalizeSubnet(subnet).String()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.bans[key]; !ok {
		return false
	}
	delete(s.bans, key)
	s.dirty = true
	return true
}

// ClearBanned removes every ban.
func (s *BanStore) ClearBanned() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(s.bans) > 0 {
		s.bans = make(map[string]*BanEntry)
		s.dirty = true
	}
}

// IsBanned returns whether ip lies in a subnet whose ban has not expired.
func (s *BanStore) IsBanned(ip net.IP) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.sweepLocked()
	for _, e := range s.bans {
		if e.Subnet.Contains(ip) {
			return true
		}
	}
	return false
}

// IsSubnetBanned returns whether exactly subnet is banned.
func (s *BanStore) IsSubnetBanned(subnet *net.IPNet) bool {
	key := normalizeSubnet(subnet).String()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.sweepLocked()
	_, ok := s.bans[key]
	return ok
}

// List returns the unexpired bans ordered by subnet.
func (s *BanStore) List() []BanEntry {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.sweepLocked()
	list := make([]BanEntry, 0, len(s.bans))
	for _, e := range s.bans {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Subnet.String() < list[j].Subnet.String()
	})
	return list
}

// Sweep removes every ban whose ban-until is not after now and returns the
// number removed.
func (s *BanStore) Sweep() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.sweepLocked()
}

// sweepLocked implements Sweep.
//
// This function MUST be called with the ban store lock held.
func (s *BanStore) sweepLocked() int {
	now := s.now()
	var n int
	for key, e := range s.bans {
		if !e.BanUntil.After(now) {
			log.Debugf("Removed expired ban on %s", key)
			delete(s.bans, key)
			n++
		}
	}
	if n > 0 {
		s.dirty = true
	}
	return n
}

// Dirty returns whether the bans changed since the last successful Save.
func (s *BanStore) Dirty() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.dirty
}

// Len returns the number of bans, expired or not.
func (s *BanStore) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.bans)
}

// Save writes the bans to disk when they changed.  The file is replaced
// atomically.  On failure the store stays dirty so the next call retries.
func (s *BanStore) Save() error {
	s.mtx.Lock()
	if !s.dirty || s.path == "" {
		s.mtx.Unlock()
		return nil
	}
	s.sweepLocked()
	entries := make([]*BanEntry, 0, len(s.bans))
	for _, e := range s.bans {
		dup := *e
		entries = append(entries, &dup)
	}
	s.dirty = false
	s.mtx.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Subnet.String() < entries[j].Subnet.String()
	})

	err := writeFileAtomic(s.path, encodeBanFile(s.magic, entries))
	if err != nil {
		s.mtx.Lock()
		s.dirty = true
		s.mtx.Unlock()
		return fmt.Errorf("save ban file %s: %w", s.path, err)
	}
	log.Debugf("Wrote %d bans to %s", len(entries), s.path)
	return nil
}

// Load replaces the bans with the content of the ban file.  A missing file
// leaves the store empty.
func (s *BanStore) Load() error {
	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ban file %s: %w", s.path, err)
	}
	entries, err := decodeBanFile(s.magic, b)
	if err != nil {
		return fmt.Errorf("load ban file %s: %w", s.path, err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.bans = make(map[string]*BanEntry, len(entries))
	for _, e := range entries {
		s.bans[e.Subnet.String()] = e
	}
	s.dirty = false
	if n := s.sweepLocked(); n > 0 {
		log.Debugf("Dropped %d expired bans from %s", n, s.path)
	}
	log.Infof("Loaded %d bans from %s", len(s.bans), s.path)
	return nil
}

// writeFileAtomic writes b to a temporary file next to path and renames it
// over path.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// encodeBanFile serializes entries as
// magic | count | entries | double-SHA256 of the preceding bytes.
func encodeBanFile(magic wire.NetMagic, entries []*BanEntry) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 9 + len(entries)*banEntrySize + banChecksumSize)

	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(magic))
	buf.Write(scratch[:4])
	_ = wire.WriteVarInt(&buf, uint64(len(entries)))

	for _, e := range entries {
		ones, bits := e.Subnet.Mask.Size()
		if bits == 8*net.IPv4len {
			ones += 96
		}
		buf.Write(e.Subnet.IP.To16())
		buf.WriteByte(uint8(ones))
		binary.LittleEndian.PutUint32(scratch[:4], uint32(e.Version))
		buf.Write(scratch[:4])
		binary.LittleEndian.PutUint64(scratch[:], uint64(e.CreateTime.Unix()))
		buf.Write(scratch[:])
		binary.LittleEndian.PutUint64(scratch[:], uint64(e.BanUntil.Unix()))
		buf.Write(scratch[:])
		buf.WriteByte(uint8(e.Reason))
	}

	buf.Write(chainhash.DoubleHashB(buf.Bytes()))
	return buf.Bytes()
}

// decodeBanFile parses a ban file written by encodeBanFile.
func decodeBanFile(magic wire.NetMagic, b []byte) ([]*BanEntry, error) {
	if len(b) < 4+1+banChecksumSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrBanFileCorrupt, len(b))
	}
	body := b[:len(b)-banChecksumSize]
	if !bytes.Equal(chainhash.DoubleHashB(body), b[len(body):]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBanFileCorrupt)
	}

	c := wire.NewCursor(body)
	fileMagic, err := c.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBanFileCorrupt, err)
	}
	if wire.NetMagic(fileMagic) != magic {
		return nil, fmt.Errorf("%w: written for network %v, not %v",
			ErrBanFileCorrupt, wire.NetMagic(fileMagic), magic)
	}
	count, err := c.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBanFileCorrupt, err)
	}
	if count != uint64(c.Len()/banEntrySize) || c.Len()%banEntrySize != 0 {
		return nil, fmt.Errorf("%w: %d entries do not fit %d bytes",
			ErrBanFileCorrupt, count, c.Len())
	}

	entries := make([]*BanEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		ip := make(net.IP, net.IPv6len)
		if err := c.ReadInto(ip); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBanFileCorrupt, err)
		}
		ones, _ := c.ReadUint8()
		version, _ := c.ReadInt32()
		created, _ := c.ReadInt64()
		until, _ := c.ReadInt64()
		reason, err := c.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBanFileCorrupt, err)
		}
		if ones > 8*net.IPv6len {
			return nil, fmt.Errorf("%w: prefix length %d", ErrBanFileCorrupt, ones)
		}
		subnet := normalizeSubnet(&net.IPNet{
			IP:   ip,
			Mask: net.CIDRMask(int(ones), 8*net.IPv6len),
		})
		entries = append(entries, &BanEntry{
			Subnet:     subnet,
			Version:    version,
			CreateTime: time.Unix(created, 0),
			BanUntil:   time.Unix(until, 0),
			Reason:     BanReason(reason),
		})
	}
	return entries, nil
}
