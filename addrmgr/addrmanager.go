// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"container/list"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p2pd/p2pd/wire"
)

const (
	// maxAddresses is the number of addresses kept in the new set before
	// the oldest or worst are expired.
	maxAddresses = 2500

	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to dump the address
	// cache to disk for future use.
	dumpAddressInterval = time.Minute * 2

	// triedBucketSize is the maximum number of addresses in the tried set.
	triedBucketSize = 256

	// numMissingDays is the number of days before which we assume an
	// address has vanished if we have not seen it announced in that long.
	numMissingDays = 30

	// numRetries is the number of tried without a single success before
	// we assume an address is bad.
	numRetries = 3

	// maxFailures is the maximum number of failures we will accept without
	// a success before considering an address bad.
	maxFailures = 10

	// minBadDays is the number of days since the last success before we
	// will consider evicting an address.
	minBadDays = 7

	// connectedRefresh is how often Connected updates an address's last
	// seen time.
	connectedRefresh = 20 * time.Minute

	// newBias is the percentage preference given to never tried addresses
	// by GetAddress.
	newBias = 50
)

// Config houses the options of an address manager.
type Config struct {
	// DataDir is the directory holding the address database.  Persistence
	// is disabled when it is empty.
	DataDir string

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time

	// Rand is the randomness source for address selection.  A time seeded
	// source is used when nil.
	Rand *rand.Rand
}

// AddrManager provides a concurrency safe address manager for caching
// potential peers on the network.
type AddrManager struct {
	mtx       sync.Mutex
	cfg       Config
	store     *Store
	rand      *rand.Rand
	addrIndex map[string]*KnownAddress
	addrNew   map[string]*KnownAddress
	addrTried *list.List
	started   int32
	shutdown  int32
	wg        sync.WaitGroup
	quit      chan struct{}
}

// New returns a new address manager.  Use Start to load the saved addresses
// and begin periodic writes.
func New(cfg *Config) *AddrManager {
	c := *cfg
	if c.Now == nil {
		c.Now = time.Now
	}
	r := c.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &AddrManager{
		cfg:       c,
		rand:      r,
		addrIndex: make(map[string]*KnownAddress),
		addrNew:   make(map[string]*KnownAddress),
		addrTried: list.New(),
		quit:      make(chan struct{}),
	}
}

// addressHandler is the main handler for the address manager.  It must be run
// as a goroutine.
func (a *AddrManager) addressHandler() {
	dumpAddressTicker := time.NewTicker(dumpAddressInterval)
	defer dumpAddressTicker.Stop()
out:
	for {
		select {
		case <-dumpAddressTicker.C:
			a.savePeers()

		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	a.wg.Done()
	log.Trace("Address handler done")
}

// savePeers writes every known address to the store.
func (a *AddrManager) savePeers() {
	if a.store == nil {
		return
	}

	a.mtx.Lock()
	known := make([]*KnownAddress, 0, len(a.addrIndex))
	for _, ka := range a.addrIndex {
		dup := *ka
		known = append(known, &dup)
	}
	a.mtx.Unlock()

	if err := a.store.Save(known); err != nil {
		log.Errorf("Failed to save peers: %v", err)
	}
}

// loadPeers loads the known addresses from the store.  A missing or
// corrupted database just starts fresh.
func (a *AddrManager) loadPeers() {
	known, err := a.store.Load()
	if err != nil {
		log.Errorf("Failed to load peers: %v", err)
		return
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, ka := range known {
		key := ka.na.Key()
		if _, ok := a.addrIndex[key]; ok {
			continue
		}
		a.addrIndex[key] = ka
		if ka.tried && a.addrTried.Len() < triedBucketSize {
			a.addrTried.PushBack(ka)
			continue
		}
		ka.tried = false
		a.addrNew[key] = ka
	}
	log.Infof("Loaded %d addresses from %s", len(known), a.store.path)
}

// Start begins the core address handler which manages a pool of known
// addresses, timeouts, and interval based writes.
func (a *AddrManager) Start() error {
	if atomic.AddInt32(&a.started, 1) != 1 {
		return nil
	}

	log.Trace("Starting address manager")

	if a.cfg.DataDir != "" {
		store, err := OpenStore(a.cfg.DataDir)
		if err != nil {
			return err
		}
		a.store = store
		a.loadPeers()
	}

	a.wg.Add(1)
	go a.addressHandler()
	return nil
}

// Stop gracefully shuts down the address manager by stopping the main handler.
func (a *AddrManager) Stop() error {
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Warnf("Address manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Address manager shutting down")
	close(a.quit)
	a.wg.Wait()

	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// updateAddress is a helper function to either update an address already known
// to the address manager, or to add the address if not already known.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) updateAddress(netAddr, srcAddr *wire.NetAddress) {
	if !IsRoutable(netAddr) {
		return
	}

	key := netAddr.Key()
	ka := a.addrIndex[key]
	if ka != nil {
		// Update the last seen time and services.
		if netAddr.Timestamp.After(ka.na.Timestamp) {
			ka.na.Timestamp = netAddr.Timestamp
		}
		ka.na.AddService(netAddr.Services)
		return
	}

	if len(a.addrNew) >= maxAddresses {
		a.expireNew()
	}

	na := *netAddr
	ka = &KnownAddress{na: &na, srcAddr: srcAddr}
	a.addrIndex[key] = ka
	a.addrNew[key] = ka

	log.Tracef("Added new address %s for a total of %d addresses", key,
		len(a.addrNew)+a.addrTried.Len())
}

// expireNew makes space in the new set by expiring the really bad entries.
// If no bad entries are available the oldest is removed.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) expireNew() {
	now := a.cfg.Now()

	var oldest *KnownAddress
	for k, v := range a.addrNew {
		if v.isBad(now) {
			log.Tracef("Expiring bad address %v", k)
			delete(a.addrIndex, k)
			delete(a.addrNew, k)
			return
		}
		if oldest == nil || !v.na.Timestamp.After(oldest.na.Timestamp) {
			oldest = v
		}
	}

	if oldest != nil {
		key := oldest.na.Key()
		log.Tracef("Expiring oldest address %v", key)
		delete(a.addrIndex, key)
		delete(a.addrNew, key)
	}
}

// pickTried selects an address from the tried set to be evicted.  We just
// choose the eldest.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) pickTried() *list.Element {
	var oldest *KnownAddress
	var oldestElem *list.Element
	for e := a.addrTried.Front(); e != nil; e = e.Next() {
		ka := e.Value.(*KnownAddress)
		if oldest == nil || oldest.na.Timestamp.After(ka.na.Timestamp) {
			oldestElem = e
			oldest = ka
		}
	}
	return oldestElem
}

// AddAddresses adds new addresses to the address manager.  It enforces a max
// number of addresses and silently ignores duplicate addresses.  It is
// safe for concurrent access.
func (a *AddrManager) AddAddresses(addrs []*wire.NetAddress, srcAddr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, na := range addrs {
		a.updateAddress(na, srcAddr)
	}
}

// AddAddress adds a new address to the address manager.  It enforces a max
// number of addresses and silently ignores duplicate addresses.  It is
// safe for concurrent access.
func (a *AddrManager) AddAddress(addr, srcAddr *wire.NetAddress) {
	a.AddAddresses([]*wire.NetAddress{addr}, srcAddr)
}

// AddAddressByIP adds an address where we are given an ip:port and not a
// wire.NetAddress.
func (a *AddrManager) AddAddressByIP(addrIP string) error {
	na, err := wire.ParseNetAddress(addrIP, 0)
	if err != nil {
		return err
	}
	na.Timestamp = a.cfg.Now()
	a.AddAddress(na, na)
	return nil
}

// NumAddresses returns the number of addresses known to the address manager.
func (a *AddrManager) NumAddresses() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return len(a.addrNew) + a.addrTried.Len()
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
func (a *AddrManager) NeedMoreAddresses() bool {
	return a.NumAddresses() < needAddressThreshold
}

// AddressCache returns a copy of every known address.
func (a *AddrManager) AddressCache() []*wire.NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	all := make([]*wire.NetAddress, 0, len(a.addrIndex))
	for _, ka := range a.addrIndex {
		na := *ka.na
		all = append(all, &na)
	}
	return all
}

// GetAddress returns a single address that should be routable.  It picks a
// random one from the possible addresses with preference given to ones that
// have not been used recently.  It returns nil when no address is known.
func (a *AddrManager) GetAddress() *wire.NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.getAddress()
	if ka == nil {
		return nil
	}
	na := *ka.na
	return &na
}

// getAddress implements GetAddress.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) getAddress() *KnownAddress {
	if len(a.addrIndex) == 0 {
		return nil
	}

	now := a.cfg.Now()
	triedCorrelation := math.Sqrt(float64(a.addrTried.Len())) *
		(100.0 - float64(newBias))
	newCorrelation := math.Sqrt(float64(len(a.addrNew))) * float64(newBias)

	large := 1 << 30
	factor := 1.0
	if (newCorrelation+triedCorrelation)*a.rand.Float64() < triedCorrelation {
		for {
			e := a.addrTried.Front()
			for i := a.rand.Int63n(int64(a.addrTried.Len())); i > 0; i-- {
				e = e.Next()
			}
			ka := e.Value.(*KnownAddress)
			randval := a.rand.Intn(large)
			if float64(randval) < (factor * ka.chance(now) * float64(large)) {
				log.Tracef("Selected %v from tried set", ka.na)
				return ka
			}
			factor *= 1.2
		}
	}

	keyList := make([]string, 0, len(a.addrNew))
	for key := range a.addrNew {
		keyList = append(keyList, key)
	}
	for {
		ka := a.addrNew[keyList[a.rand.Intn(len(keyList))]]
		randval := a.rand.Intn(large)
		if float64(randval) < (factor * ka.chance(now) * float64(large)) {
			log.Tracef("Selected %v from new set", ka.na)
			return ka
		}
		factor *= 1.2
	}
}

func (a *AddrManager) find(addr *wire.NetAddress) *KnownAddress {
	return a.addrIndex[addr.Key()]
}

// Attempt increases the given address' attempt counter and updates
// the last attempt time.
func (a *AddrManager) Attempt(addr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return
	}
	ka.attempts++
	ka.lastattempt = a.cfg.Now()
}

// Connected marks the given address as currently connected and working at
// the current time.  The address must already be known to AddrManager else
// it will be ignored.
func (a *AddrManager) Connected(addr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return
	}

	now := a.cfg.Now()
	if now.After(ka.na.Timestamp.Add(connectedRefresh)) {
		ka.na.Timestamp = now
	}
}

// Good marks the given address as good.  To be called after a successful
// connection.  If the address is unknown to the address manager it will be
// ignored.
func (a *AddrManager) Good(addr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return
	}
	now := a.cfg.Now()
	ka.lastsuccess = now
	ka.lastattempt = now
	ka.attempts = 0

	if ka.tried {
		return
	}

	addrKey := addr.Key()
	delete(a.addrNew, addrKey)
	ka.tried = true

	if a.addrTried.Len() < triedBucketSize {
		a.addrTried.PushBack(ka)
		return
	}

	// No room, so the eldest tried address goes back to the new set.
	entry := a.pickTried()
	rmka := entry.Value.(*KnownAddress)
	rmka.tried = false
	entry.Value = ka
	rmkey := rmka.na.Key()
	a.addrNew[rmkey] = rmka

	log.Tracef("Replacing %s with %s in tried", rmkey, addrKey)
}

// IsBad reports whether the address is known and considered worthless.
func (a *AddrManager) IsBad(addr *wire.NetAddress) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	return ka != nil && ka.isBad(a.cfg.Now())
}

// HostToNetAddress parses host as an IP literal and returns a NetAddress for
// it.  Host names are not resolved.
func HostToNetAddress(host string, port uint16, services wire.ServiceFlag) *wire.NetAddress {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return wire.NewNetAddressIPPort(ip, port, services)
}
