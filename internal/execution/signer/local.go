package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "ROUTEX_PRIVATE_KEY"
	EnvPrivateKeyFile       = "ROUTEX_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "ROUTEX_KEYSTORE_PATH"
	EnvKeystorePassword     = "ROUTEX_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "ROUTEX_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "routex/key.hex"
	defaultPrivateKeyHintPath     = "~/.config/routex/key.hex"
)

// LocalSigner holds an in-memory secp256k1 key. It signs transactions for EOA
// wallets and user operations for smart accounts it owns.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	origin     string
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// Origin names where the key was loaded from, e.g. "env" or a file path.
func (s *LocalSigner) Origin() string {
	return s.origin
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// SignPersonal signs data as an EIP-191 personal message with V in {27,28}.
func (s *LocalSigner) SignPersonal(data []byte) ([]byte, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	sig, err := crypto.Sign(accounts.TextHash(data), s.privateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// NewLocalSignerFromInputs reads key material from the environment and picks
// the inputs source allows. A non-empty override wins over everything.
func NewLocalSignerFromInputs(source, privateKeyOverride string) (*LocalSigner, error) {
	if override := strings.TrimSpace(privateKeyOverride); override != "" {
		return NewLocalSigner(LocalSignerConfig{PrivateKeyHex: override})
	}
	env := configFromEnv()
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
		return NewLocalSigner(env)
	case KeySourceEnv:
		return NewLocalSigner(LocalSignerConfig{PrivateKeyHex: env.PrivateKeyHex})
	case KeySourceFile:
		return NewLocalSigner(LocalSignerConfig{PrivateKeyFile: env.PrivateKeyFile})
	case KeySourceKeystore:
		return NewLocalSigner(LocalSignerConfig{
			KeystorePath:         env.KeystorePath,
			KeystorePassword:     env.KeystorePassword,
			KeystorePasswordFile: env.KeystorePasswordFile,
		})
	default:
		return nil, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
}

func configFromEnv() LocalSignerConfig {
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile()
	}
	return cfg
}

// keyLoader returns ok=false when its input is not configured.
type keyLoader func(cfg LocalSignerConfig) (key *ecdsa.PrivateKey, origin string, ok bool, err error)

// Loaders run in precedence order: raw hex, key file, keystore.
var keyLoaders = []keyLoader{loadHexKey, loadKeyFile, loadKeystore}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	for _, load := range keyLoaders {
		key, origin, ok, err := load(cfg)
		if !ok {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &LocalSigner{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey), origin: origin}, nil
	}
	return nil, fmt.Errorf("missing signing key: pass --private-key, write the key to %s, or set %s, %s or %s", defaultPrivateKeyHintPath, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
}

func loadHexKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, string, bool, error) {
	if strings.TrimSpace(cfg.PrivateKeyHex) == "" {
		return nil, "", false, nil
	}
	key, err := parseHexKey(cfg.PrivateKeyHex)
	return key, KeySourceEnv, true, err
}

func loadKeyFile(cfg LocalSignerConfig) (*ecdsa.PrivateKey, string, bool, error) {
	path := strings.TrimSpace(cfg.PrivateKeyFile)
	if path == "" {
		return nil, "", false, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, path, true, fmt.Errorf("read private key file: %w", err)
	}
	key, err := parseHexKey(string(buf))
	return key, path, true, err
}

func loadKeystore(cfg LocalSignerConfig) (*ecdsa.PrivateKey, string, bool, error) {
	path := strings.TrimSpace(cfg.KeystorePath)
	if path == "" {
		return nil, "", false, nil
	}
	password := strings.TrimSpace(cfg.KeystorePassword)
	if password == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return nil, path, true, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" {
		return nil, path, true, errors.New("keystore password is required")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, path, true, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, path, true, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, path, true, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultPrivateKeyRelativePath)
}

func discoverDefaultPrivateKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
