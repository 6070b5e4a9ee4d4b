package models

// Portfolio represents a Prime portfolio
type Portfolio struct {
	Id   string
	Name string
}

// Wallet represents a Prime wallet
type Wallet struct {
	Id     string
	Name   string
	Symbol string
	Type   string
}

// DepositAddress is a blockchain address buyers can pay USDT into
type DepositAddress struct {
	Id      string
	Address string
	Network string
	Asset   string
}
