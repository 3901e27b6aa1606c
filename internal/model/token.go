package model

import (
	"strconv"
	"strings"
)

// Token is immutable reference data. Identity is (ChainID, Address) with the
// address compared case-insensitively.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Decimals int    `json:"decimals"`
	ChainID  int64  `json:"chainId"`
	PriceUSD string `json:"priceUSD,omitempty"`
}

func (t Token) Key() string {
	return TokenKey(t.ChainID, t.Address)
}

func (t Token) Same(other Token) bool {
	return t.Key() == other.Key()
}

func TokenKey(chainID int64, address string) string {
	return strconv.FormatInt(chainID, 10) + ":" + strings.ToLower(strings.TrimSpace(address))
}

// TokenWithBalance is produced wholesale after each balance read.
type TokenWithBalance struct {
	Token
	Balance    string `json:"balance"`
	BalanceUSD string `json:"balanceUSD,omitempty"`
}
