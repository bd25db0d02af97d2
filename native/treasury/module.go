package treasury

import (
	"errors"
	"math/big"
	"sync"

	"daokernel/core/types"
	"daokernel/native/gate"
	"daokernel/native/token"
)

// ModuleKey is the registry key the treasury module installs under.
const ModuleKey = "TSY"

var (
	// ErrVaultExists indicates a vault is already open for the asset.
	ErrVaultExists = errors.New("treasury: vault already exists")
	// ErrVaultNotFound indicates no vault is open for the asset.
	ErrVaultNotFound = errors.New("treasury: no vault open for asset")
	// ErrInvalidFee indicates a withdraw fee outside 0..100 percent.
	ErrInvalidFee = errors.New("treasury: fee must be 0 <= fee <= 100")
)

// Vault pairs an asset ledger with its share ledger. Deposits mint shares 1:1
// against custody of the asset; withdrawals burn shares and keep the
// configured fee behind as DAO-owned shares.
type Vault struct {
	asset   *token.Ledger
	shares  *token.Ledger
	custody types.Address
	fee     uint64
}

// Shares returns the vault's share ledger, the weight source for mining.
func (v *Vault) Shares() *token.Ledger { return v.shares }

// Custody returns the address depositors approve for asset transfers.
func (v *Vault) Custody() types.Address { return v.custody }

// Fee returns the current withdraw fee in percent.
func (v *Vault) Fee() uint64 { return v.fee }

// Module manages treasury vaults keyed by asset symbol.
type Module struct {
	mu      sync.Mutex
	self    types.Address
	gate    *gate.Gate
	daoAddr types.Address
	vaults  map[string]*Vault
}

// NewModule constructs the treasury engine. Fee shares accrue to daoAddr.
func NewModule(g *gate.Gate, daoAddr types.Address) *Module {
	return &Module{
		self:    types.ModuleAddress("treasury"),
		gate:    g,
		daoAddr: daoAddr,
		vaults:  make(map[string]*Vault),
	}
}

// ModuleKey satisfies the registry module interface.
func (m *Module) ModuleKey() string { return ModuleKey }

// ModuleAddress returns the address that must be approved on the kernel gate
// so the treasury can mint and burn vault shares.
func (m *Module) ModuleAddress() types.Address { return m.self }

// OpenVault opens a vault for the asset with the given withdraw fee. Owner
// only; one vault per asset.
func (m *Module) OpenVault(caller types.Address, asset *token.Ledger, fee uint64) (*Vault, error) {
	if err := m.gate.RequireOwner(caller); err != nil {
		return nil, err
	}
	if fee > 100 {
		return nil, ErrInvalidFee
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[asset.Symbol()]; ok {
		return nil, ErrVaultExists
	}
	vault := &Vault{
		asset:   asset,
		shares:  token.NewLedger("Treasury Vault: "+asset.Symbol(), asset.Symbol()+"-VS", asset.Decimals(), m.gate),
		custody: types.ModuleAddress("treasury/vault/" + asset.Symbol()),
		fee:     fee,
	}
	m.vaults[asset.Symbol()] = vault
	return vault, nil
}

// Vault resolves an open vault by asset symbol.
func (m *Module) Vault(symbol string) (*Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vault, ok := m.vaults[symbol]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return vault, nil
}

// Deposit moves the member's assets into vault custody and mints shares 1:1.
// The member must have approved the vault's custody address beforehand.
func (m *Module) Deposit(member types.Address, symbol string, amount *big.Int) error {
	vault, err := m.Vault(symbol)
	if err != nil {
		return err
	}
	if err := vault.asset.TransferFrom(vault.custody, member, vault.custody, amount); err != nil {
		return err
	}
	if err := vault.shares.Mint(m.self, member, amount); err != nil {
		// Undo custody so a failed mint cannot strand the deposit.
		return errors.Join(err, vault.asset.Transfer(vault.custody, member, amount))
	}
	return nil
}

// Withdraw burns the member's shares and returns the asset minus the fee. The
// fee stays behind as shares owned by the DAO.
func (m *Module) Withdraw(member types.Address, symbol string, shareAmount *big.Int) error {
	vault, err := m.Vault(symbol)
	if err != nil {
		return err
	}
	feeShares := new(big.Int).Mul(shareAmount, new(big.Int).SetUint64(vault.fee))
	feeShares.Div(feeShares, big.NewInt(100))
	payout := new(big.Int).Sub(shareAmount, feeShares)

	if err := vault.shares.Burn(m.self, member, shareAmount); err != nil {
		return err
	}
	if feeShares.Sign() > 0 {
		if err := vault.shares.Mint(m.self, m.daoAddr, feeShares); err != nil {
			// Restore the member's shares; the burn must not outlive a
			// failed withdrawal.
			return errors.Join(err, vault.shares.Mint(m.self, member, shareAmount))
		}
	}
	if payout.Sign() > 0 {
		if err := vault.asset.Transfer(vault.custody, member, payout); err != nil {
			if feeShares.Sign() > 0 {
				err = errors.Join(err, vault.shares.Burn(m.self, m.daoAddr, feeShares))
			}
			return errors.Join(err, vault.shares.Mint(m.self, member, shareAmount))
		}
	}
	return nil
}

// WithdrawFromVault redeems DAO-owned fee shares without a fee. Owner only.
func (m *Module) WithdrawFromVault(caller types.Address, symbol string, amount *big.Int) error {
	if err := m.gate.RequireOwner(caller); err != nil {
		return err
	}
	vault, err := m.Vault(symbol)
	if err != nil {
		return err
	}
	if err := vault.shares.Burn(m.self, m.daoAddr, amount); err != nil {
		return err
	}
	return vault.asset.Transfer(vault.custody, m.daoAddr, amount)
}

// ChangeFee updates a vault's withdraw fee. Owner only.
func (m *Module) ChangeFee(caller types.Address, symbol string, fee uint64) error {
	if err := m.gate.RequireOwner(caller); err != nil {
		return err
	}
	if fee > 100 {
		return ErrInvalidFee
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	vault, ok := m.vaults[symbol]
	if !ok {
		return ErrVaultNotFound
	}
	vault.fee = fee
	return nil
}
