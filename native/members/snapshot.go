package members

import (
	"bytes"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"daokernel/core/types"
	"daokernel/storage"
)

const snapshotKey = "members/ledger"

type storedStake struct {
	ExpiryEpoch  uint64
	LockDuration uint64
	Amount       []byte
}

type storedPair struct {
	Peer   []byte
	Amount []byte
}

type storedMember struct {
	Address []byte
	Stakes  []storedStake
	Given   []storedPair
}

type storedLedger struct {
	Members []storedMember
}

// Save writes an RLP snapshot of every stake list and endorsement relation.
// Received aggregates are derivable from the given relation and are rebuilt on
// load.
func (m *Module) Save(db storage.Database) error {
	if db == nil {
		return errors.New("members: snapshot database required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	owners := make([]types.Address, 0, len(m.stakes))
	seen := make(map[types.Address]struct{}, len(m.stakes))
	for owner := range m.stakes {
		owners = append(owners, owner)
		seen[owner] = struct{}{}
	}
	for giver := range m.given {
		if _, ok := seen[giver]; !ok {
			owners = append(owners, giver)
			seen[giver] = struct{}{}
		}
	}
	sort.Slice(owners, func(i, j int) bool {
		return bytes.Compare(owners[i][:], owners[j][:]) < 0
	})

	ledger := storedLedger{Members: make([]storedMember, 0, len(owners))}
	for _, owner := range owners {
		entry := storedMember{Address: append([]byte(nil), owner[:]...)}
		if list, ok := m.stakes[owner]; ok {
			list.walk(func(_ StakeID, stake Stake) {
				entry.Stakes = append(entry.Stakes, storedStake{
					ExpiryEpoch:  stake.ExpiryEpoch,
					LockDuration: stake.LockDuration,
					Amount:       stake.Amount.Bytes(),
				})
			})
		}
		if pairs, ok := m.given[owner]; ok {
			peers := make([]types.Address, 0, len(pairs))
			for peer := range pairs {
				peers = append(peers, peer)
			}
			sort.Slice(peers, func(i, j int) bool {
				return bytes.Compare(peers[i][:], peers[j][:]) < 0
			})
			for _, peer := range peers {
				if pairs[peer].Sign() == 0 {
					continue
				}
				entry.Given = append(entry.Given, storedPair{
					Peer:   append([]byte(nil), peer[:]...),
					Amount: pairs[peer].Bytes(),
				})
			}
		}
		ledger.Members = append(ledger.Members, entry)
	}

	encoded, err := rlp.EncodeToBytes(ledger)
	if err != nil {
		return err
	}
	return db.Put([]byte(snapshotKey), encoded)
}

// Load restores the ledger from a snapshot, replacing any in-memory state. A
// missing snapshot leaves the module empty.
func (m *Module) Load(db storage.Database) error {
	if db == nil {
		return errors.New("members: snapshot database required")
	}
	data, err := db.Get([]byte(snapshotKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var ledger storedLedger
	if err := rlp.DecodeBytes(data, &ledger); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stakes = make(map[types.Address]*StakeList)
	m.given = make(map[types.Address]map[types.Address]*big.Int)
	m.received = make(map[types.Address]map[types.Address]*big.Int)
	m.totalGiven = make(map[types.Address]*big.Int)
	m.totalReceived = make(map[types.Address]*big.Int)
	m.aggregateTokens = big.NewInt(0)
	m.aggregateBatches = 0

	for _, entry := range ledger.Members {
		var owner types.Address
		copy(owner[:], entry.Address)
		if len(entry.Stakes) > 0 {
			list := NewStakeList()
			for _, stake := range entry.Stakes {
				amount := new(big.Int).SetBytes(stake.Amount)
				if _, err := list.push(stake.ExpiryEpoch, stake.LockDuration, amount); err != nil {
					return err
				}
				m.aggregateTokens.Add(m.aggregateTokens, amount)
				m.aggregateBatches++
			}
			m.stakes[owner] = list
		}
		for _, pair := range entry.Given {
			var peer types.Address
			copy(peer[:], pair.Peer)
			amount := new(big.Int).SetBytes(pair.Amount)
			addPair(m.given, owner, peer, amount)
			addPair(m.received, peer, owner, amount)
			addTotal(m.totalGiven, owner, amount)
			addTotal(m.totalReceived, peer, amount)
		}
	}
	m.publishStakeTotals()
	return nil
}
