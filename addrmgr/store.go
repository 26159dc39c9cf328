// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/p2pd/p2pd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// storeDirName is the name of the leveldb directory under the data
	// directory.
	storeDirName = "peers.ldb"

	// knownAddressSize is the encoded size of a known address record.
	knownAddressSize = wire.NetAddressSize*2 + 4 + 8 + 8 + 1
)

// addrKeyPrefix prefixes every address record key.
var addrKeyPrefix = []byte("ka")

// Store persists known addresses in a leveldb database.  Each address is one
// record keyed by its host:port form.
type Store struct {
	path string
	db   *leveldb.DB
}

// OpenStore opens, or creates, the address database under dataDir.  A
// corrupted database is recovered rather than discarded.
func OpenStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, storeDirName)
	opts := opt.Options{
		ErrorIfExist: false,
		Strict:       opt.DefaultStrict,
		Compression:  opt.NoCompression,
	}
	db, err := leveldb.OpenFile(path, &opts)
	if ldberrors.IsCorrupted(err) {
		log.Warnf("Address database %s is corrupted, recovering", path)
		db, err = leveldb.RecoverFile(path, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open address store %s: %w", path, err)
	}
	return &Store{path: path, db: db}, nil
}

// addrKey returns the database key for na.
func addrKey(na *wire.NetAddress) []byte {
	key := make([]byte, 0, len(addrKeyPrefix)+len(na.Key()))
	key = append(key, addrKeyPrefix...)
	return append(key, na.Key()...)
}

// encodeKnownAddress serializes ka.
func encodeKnownAddress(ka *KnownAddress) []byte {
	b := make([]byte, 0, knownAddressSize)
	b = wire.AppendNetAddress(b, ka.na)
	src := ka.srcAddr
	if src == nil {
		src = ka.na
	}
	b = wire.AppendNetAddress(b, src)
	b = binary.LittleEndian.AppendUint32(b, uint32(ka.attempts))
	b = binary.LittleEndian.AppendUint64(b, uint64(unixOrZero(ka.lastattempt)))
	b = binary.LittleEndian.AppendUint64(b, uint64(unixOrZero(ka.lastsuccess)))
	var tried uint8
	if ka.tried {
		tried = 1
	}
	return append(b, tried)
}

// decodeKnownAddress deserializes a record written by encodeKnownAddress.
func decodeKnownAddress(b []byte) (*KnownAddress, error) {
	c := wire.NewCursor(b)
	na, err := c.ReadNetAddress()
	if err != nil {
		return nil, err
	}
	src, err := c.ReadNetAddress()
	if err != nil {
		return nil, err
	}
	attempts, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	lastAttempt, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	lastSuccess, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	tried, err := c.ReadUint8()
	if err != nil {
		return nil, err
	}
	return &KnownAddress{
		na:          na,
		srcAddr:     src,
		attempts:    int(attempts),
		lastattempt: timeOrZero(lastAttempt),
		lastsuccess: timeOrZero(lastSuccess),
		tried:       tried == 1,
	}, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// Save replaces the stored address set with known in a single batch.
func (s *Store) Save(known []*KnownAddress) error {
	batch := new(leveldb.Batch)

	keep := make(map[string]struct{}, len(known))
	for _, ka := range known {
		key := addrKey(ka.na)
		keep[string(key)] = struct{}{}
		batch.Put(key, encodeKnownAddress(ka))
	}

	iter := s.db.NewIterator(util.BytesPrefix(addrKeyPrefix), nil)
	for iter.Next() {
		if _, ok := keep[string(iter.Key())]; !ok {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan address store: %w", err)
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write address store: %w", err)
	}
	log.Debugf("Saved %d addresses to %s", len(known), s.path)
	return nil
}

// Load returns every stored address.  Undecodable records are skipped.
func (s *Store) Load() ([]*KnownAddress, error) {
	var known []*KnownAddress
	iter := s.db.NewIterator(util.BytesPrefix(addrKeyPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		ka, err := decodeKnownAddress(iter.Value())
		if err != nil {
			log.Warnf("Skipping corrupt address record %q: %v",
				iter.Key(), err)
			continue
		}
		known = append(known, ka)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("read address store: %w", err)
	}
	return known, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
