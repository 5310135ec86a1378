package chain

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	pkgerrors "github.com/pkg/errors"

	"github.com/betbot/perpsim/internal/domain"
)

// SigningIdentity 一个代理的链上签名身份
type SigningIdentity struct {
	Account    domain.AgentID
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// Sign 对 32 字节摘要签名
func (s *SigningIdentity) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.PrivateKey)
}

// AddressBook 地址簿：AgentID → 签名身份。磁盘格式由外部实现决定。
type AddressBook interface {
	Resolve(id domain.AgentID) (*SigningIdentity, error)
	// Accounts 已知的全部账户（初始入金遍历用）
	Accounts() []domain.AgentID
}

// HDWalletBook 从单一助记词按 BIP44 派生每个代理的密钥：
// m/44'/60'/0'/0/{agent_id}
type HDWalletBook struct {
	wallet *hdwallet.Wallet

	mu    sync.Mutex
	cache map[domain.AgentID]*SigningIdentity
	known []domain.AgentID
}

// NewHDWalletBook 创建 HD 钱包地址簿；agents 为场景中全部账户
func NewHDWalletBook(mnemonic string, agents []domain.AgentID) (*HDWalletBook, error) {
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "hdwallet init")
	}
	book := &HDWalletBook{
		wallet: wallet,
		cache:  make(map[domain.AgentID]*SigningIdentity),
		known:  append([]domain.AgentID(nil), agents...),
	}
	// 预先派生，配置错误在启动期暴露
	for _, id := range agents {
		if _, err := book.Resolve(id); err != nil {
			return nil, err
		}
	}
	return book, nil
}

// Resolve 派生（或取缓存）某代理的签名身份
func (b *HDWalletBook) Resolve(id domain.AgentID) (*SigningIdentity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ident, ok := b.cache[id]; ok {
		return ident, nil
	}

	path, err := hdwallet.ParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%d", id))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "derivation path")
	}
	account, err := b.wallet.Derive(path, false)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "derive agent %d", id)
	}
	key, err := b.wallet.PrivateKey(account)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "private key agent %d", id)
	}

	ident := &SigningIdentity{Account: id, Address: account.Address, PrivateKey: key}
	b.cache[id] = ident
	return ident, nil
}

// Accounts 返回全部已知账户
func (b *HDWalletBook) Accounts() []domain.AgentID {
	return append([]domain.AgentID(nil), b.known...)
}

// StaticBook 内存地址簿（测试用）：随机生成每个账户的密钥
type StaticBook struct {
	idents map[domain.AgentID]*SigningIdentity
	known  []domain.AgentID
}

// NewStaticBook 为每个账户生成一把新私钥
func NewStaticBook(agents []domain.AgentID) (*StaticBook, error) {
	idents := make(map[domain.AgentID]*SigningIdentity, len(agents))
	for _, id := range agents {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		idents[id] = &SigningIdentity{
			Account:    id,
			Address:    crypto.PubkeyToAddress(key.PublicKey),
			PrivateKey: key,
		}
	}
	return &StaticBook{idents: idents, known: append([]domain.AgentID(nil), agents...)}, nil
}

// Resolve 查找签名身份
func (b *StaticBook) Resolve(id domain.AgentID) (*SigningIdentity, error) {
	ident, ok := b.idents[id]
	if !ok {
		return nil, fmt.Errorf("identity for agent %d not found", id)
	}
	return ident, nil
}

// Accounts 返回全部已知账户
func (b *StaticBook) Accounts() []domain.AgentID {
	return append([]domain.AgentID(nil), b.known...)
}
