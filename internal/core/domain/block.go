package domain

import (
	"encoding/json"
	"time"
)

// Block is the network-agnostic representation handed to the matching stage.
// It is treated as immutable once constructed.
type Block struct {
	Network   string      `json:"network"`
	Type      NetworkType `json:"type"`
	Number    uint64      `json:"number"`
	Hash      string      `json:"hash"`
	Timestamp time.Time   `json:"timestamp"`

	EVM     *EVMBlock     `json:"evm,omitempty"`
	Stellar *StellarBlock `json:"stellar,omitempty"`
}

// EVMBlock carries the header, transactions and receipts of one EVM block.
type EVMBlock struct {
	Header       EVMHeader        `json:"header"`
	Transactions []EVMTransaction `json:"transactions"`
	Receipts     []EVMReceipt     `json:"receipts"`
}

type EVMHeader struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
	Timestamp  uint64 `json:"timestamp"`
	Miner      string `json:"miner"`
	GasUsed    uint64 `json:"gas_used"`
	GasLimit   uint64 `json:"gas_limit"`
	BaseFee    string `json:"base_fee,omitempty"`
}

type EVMTransaction struct {
	Hash     string          `json:"hash"`
	Index    uint64          `json:"index"`
	From     string          `json:"from"`
	To       string          `json:"to,omitempty"`
	Value    string          `json:"value"`
	Gas      uint64          `json:"gas"`
	GasPrice string          `json:"gas_price,omitempty"`
	Nonce    uint64          `json:"nonce"`
	Input    string          `json:"input"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

type EVMReceipt struct {
	TransactionHash   string   `json:"transaction_hash"`
	Status            uint64   `json:"status"`
	GasUsed           uint64   `json:"gas_used"`
	CumulativeGasUsed uint64   `json:"cumulative_gas_used"`
	ContractAddress   string   `json:"contract_address,omitempty"`
	Logs              []EVMLog `json:"logs"`
}

type EVMLog struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex uint64   `json:"log_index"`
}

// StellarBlock carries one ledger with its transactions and contract events.
type StellarBlock struct {
	Ledger       StellarLedger        `json:"ledger"`
	Transactions []StellarTransaction `json:"transactions"`
	Events       []StellarEvent       `json:"events"`
}

type StellarLedger struct {
	Sequence        uint64 `json:"sequence"`
	Hash            string `json:"hash"`
	LedgerCloseTime int64  `json:"ledger_close_time"`
	PreviousHash    string `json:"previous_hash,omitempty"`   // from the decoded header
	ProtocolVersion uint32 `json:"protocol_version,omitempty"` // from the decoded header
	HeaderXDR       string `json:"header_xdr,omitempty"`
	MetadataXDR     string `json:"metadata_xdr,omitempty"`
}

type StellarTransaction struct {
	Hash             string `json:"hash"`
	Status           string `json:"status"`
	Ledger           uint64 `json:"ledger"`
	ApplicationOrder int    `json:"application_order"`
	FeeBump          bool   `json:"fee_bump"`
	CreatedAt        int64  `json:"created_at"`
	EnvelopeXDR      string `json:"envelope_xdr,omitempty"`
	ResultXDR        string `json:"result_xdr,omitempty"`
	ResultMetaXDR    string `json:"result_meta_xdr,omitempty"`
}

type StellarEvent struct {
	ID                       string   `json:"id"`
	Type                     string   `json:"type"`
	Ledger                   uint64   `json:"ledger"`
	LedgerClosedAt           string   `json:"ledger_closed_at"`
	ContractID               string   `json:"contract_id"`
	TxHash                   string   `json:"tx_hash"`
	TransactionIndex         uint32   `json:"transaction_index"`
	OperationIndex           uint32   `json:"operation_index"`
	Topic                    []string `json:"topic"`
	Value                    string   `json:"value"`
	InSuccessfulContractCall bool     `json:"in_successful_contract_call"`
}
