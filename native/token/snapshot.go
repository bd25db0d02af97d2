package token

import (
	"bytes"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"daokernel/core/types"
	"daokernel/storage"
)

type storedAllowance struct {
	Spender []byte
	Amount  []byte
}

type storedAccount struct {
	Address    []byte
	Balance    []byte
	Allowances []storedAllowance
}

type storedLedger struct {
	TotalSupply []byte
	Accounts    []storedAccount
}

// Snapshots are keyed by symbol so several ledgers can share one database.
func (l *Ledger) snapshotKey() []byte {
	return []byte("token/ledger/" + l.symbol)
}

// Save writes an RLP snapshot of every balance and allowance, iterating in
// sorted address order for determinism.
func (l *Ledger) Save(db storage.Database) error {
	if db == nil {
		return errors.New("token: snapshot database required")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	holders := make([]types.Address, 0, len(l.balances))
	seen := make(map[types.Address]struct{}, len(l.balances))
	for holder := range l.balances {
		holders = append(holders, holder)
		seen[holder] = struct{}{}
	}
	for owner := range l.allowances {
		if _, ok := seen[owner]; !ok {
			holders = append(holders, owner)
			seen[owner] = struct{}{}
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i][:], holders[j][:]) < 0
	})

	ledger := storedLedger{TotalSupply: l.totalSupply.Bytes()}
	for _, holder := range holders {
		entry := storedAccount{Address: append([]byte(nil), holder[:]...)}
		if balance, ok := l.balances[holder]; ok {
			entry.Balance = balance.Bytes()
		}
		if granted, ok := l.allowances[holder]; ok {
			spenders := make([]types.Address, 0, len(granted))
			for spender := range granted {
				spenders = append(spenders, spender)
			}
			sort.Slice(spenders, func(i, j int) bool {
				return bytes.Compare(spenders[i][:], spenders[j][:]) < 0
			})
			for _, spender := range spenders {
				if granted[spender].Sign() == 0 {
					continue
				}
				entry.Allowances = append(entry.Allowances, storedAllowance{
					Spender: append([]byte(nil), spender[:]...),
					Amount:  granted[spender].Bytes(),
				})
			}
		}
		ledger.Accounts = append(ledger.Accounts, entry)
	}

	encoded, err := rlp.EncodeToBytes(ledger)
	if err != nil {
		return err
	}
	return db.Put(l.snapshotKey(), encoded)
}

// Load restores balances and allowances from a snapshot, replacing any
// in-memory state. A missing snapshot leaves the ledger empty.
func (l *Ledger) Load(db storage.Database) error {
	if db == nil {
		return errors.New("token: snapshot database required")
	}
	data, err := db.Get(l.snapshotKey())
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

	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalSupply = new(big.Int).SetBytes(ledger.TotalSupply)
	l.balances = make(map[types.Address]*big.Int)
	l.allowances = make(map[types.Address]map[types.Address]*big.Int)
	for _, entry := range ledger.Accounts {
		var holder types.Address
		copy(holder[:], entry.Address)
		if len(entry.Balance) > 0 {
			l.balances[holder] = new(big.Int).SetBytes(entry.Balance)
		}
		for _, allowance := range entry.Allowances {
			var spender types.Address
			copy(spender[:], allowance.Spender)
			granted, ok := l.allowances[holder]
			if !ok {
				granted = make(map[types.Address]*big.Int)
				l.allowances[holder] = granted
			}
			granted[spender] = new(big.Int).SetBytes(allowance.Amount)
		}
	}
	return nil
}
