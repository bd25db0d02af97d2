package token

import (
	"errors"
	"math/big"
	"sync"

	"daokernel/core/types"
	"daokernel/native/gate"
)

// ModuleKey is the registry key the kernel token ledger installs under.
const ModuleKey = "TKN"

var (
	// ErrInvalidAmount indicates a nil, zero or negative amount.
	ErrInvalidAmount = errors.New("token: amount must be positive")
	// ErrInsufficientBalance indicates the source balance cannot cover a
	// transfer or burn.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance indicates the spender allowance cannot cover
	// a transferFrom.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Ledger is an opaque fungible-balance ledger with mint, transfer and
// allowance semantics. Every mutation is atomic; a failed precondition leaves
// the ledger untouched. Minting and burning are restricted to approved
// applications through the kernel gate.
type Ledger struct {
	mu          sync.RWMutex
	name        string
	symbol      string
	decimals    uint8
	gate        *gate.Gate
	totalSupply *big.Int
	balances    map[types.Address]*big.Int
	allowances  map[types.Address]map[types.Address]*big.Int
}

// NewLedger constructs an empty ledger guarded by the supplied gate.
func NewLedger(name, symbol string, decimals uint8, g *gate.Gate) *Ledger {
	return &Ledger{
		name:        name,
		symbol:      symbol,
		decimals:    decimals,
		gate:        g,
		totalSupply: big.NewInt(0),
		balances:    make(map[types.Address]*big.Int),
		allowances:  make(map[types.Address]map[types.Address]*big.Int),
	}
}

// ModuleKey satisfies the registry module interface. Vault share ledgers share
// the key; only the kernel token is expected to be installed.
func (l *Ledger) ModuleKey() string { return ModuleKey }

// Name returns the ledger's display name.
func (l *Ledger) Name() string { return l.name }

// Symbol returns the ledger's short symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the ledger's display precision.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// TotalSupply returns the sum of all balances.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalSupply)
}

// BalanceOf returns the balance held by the account.
func (l *Ledger) BalanceOf(account types.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if balance, ok := l.balances[account]; ok {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

// Allowance returns how much the spender may move on behalf of the owner.
func (l *Ledger) Allowance(owner, spender types.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if granted, ok := l.allowances[owner]; ok {
		if amount, ok := granted[spender]; ok {
			return new(big.Int).Set(amount)
		}
	}
	return big.NewInt(0)
}

// Mint credits newly created tokens to an account. Approved applications only.
func (l *Ledger) Mint(caller, to types.Address, amount *big.Int) error {
	if err := l.gate.RequireApproved(caller); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	l.totalSupply.Add(l.totalSupply, amount)
	return nil
}

// Burn destroys tokens held by an account. Approved applications only.
func (l *Ledger) Burn(caller, from types.Address, amount *big.Int) error {
	if err := l.gate.RequireApproved(caller); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.totalSupply.Sub(l.totalSupply, amount)
	return nil
}

// Transfer moves tokens from the caller's account.
func (l *Ledger) Transfer(from, to types.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

// Approve grants the spender the right to move up to amount on the owner's
// behalf. A nil or negative amount is rejected; zero clears the allowance.
func (l *Ledger) Approve(owner, spender types.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	granted, ok := l.allowances[owner]
	if !ok {
		granted = make(map[types.Address]*big.Int)
		l.allowances[owner] = granted
	}
	granted[spender] = new(big.Int).Set(amount)
	return nil
}

// TransferFrom moves tokens using the spender's allowance. The allowance and
// the balance are both checked before any mutation.
func (l *Ledger) TransferFrom(spender, from, to types.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	granted, ok := l.allowances[from]
	if !ok {
		return ErrInsufficientAllowance
	}
	allowance, ok := granted[spender]
	if !ok || allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(account types.Address, amount *big.Int) {
	balance, ok := l.balances[account]
	if !ok {
		balance = big.NewInt(0)
		l.balances[account] = balance
	}
	balance.Add(balance, amount)
}

func (l *Ledger) debit(account types.Address, amount *big.Int) error {
	balance, ok := l.balances[account]
	if !ok || balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
