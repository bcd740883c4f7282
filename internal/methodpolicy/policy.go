// Package methodpolicy classifies Ethereum JSON-RPC methods into caching
// categories and derives a cacheability decision — (cacheable, ttl) — as a
// pure function of method name and parameters.
package methodpolicy

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Category buckets a method by its caching behaviour.
type Category int

const (
	CategoryImmutable Category = iota
	CategoryBlocks
	CategoryAccountState
	CategoryGas
	CategoryLogs
	CategoryNetwork
	CategoryContractCall
	CategoryMining
	CategoryProofs
	CategoryNeverCache
	CategoryUnknown
)

// Decision is the outcome of classifying a single request.
type Decision struct {
	Category  Category
	Cacheable bool
	Permanent bool
	// TTL is meaningful only when Cacheable && !Permanent.
	TTL time.Duration
}

// Policy holds the operator-configured TTL knobs (permanent-height
// cut-off and three configurable TTLs); everything else is a fixed
// constant.
type Policy struct {
	PermanentHeight uint64
	LatestBlockTTL  time.Duration
	RecentBlockTTL  time.Duration
	EthCallTTL      time.Duration
}

// New builds a Policy. Zero-valued fields fall back to the documented
// defaults so a Policy built without configuration still behaves sanely in
// tests.
func New(permanentHeight uint64, latestTTL, recentTTL, ethCallTTL time.Duration) *Policy {
	if latestTTL == 0 {
		latestTTL = 2 * time.Second
	}
	if recentTTL == 0 {
		recentTTL = 60 * time.Second
	}
	if ethCallTTL == 0 {
		ethCallTTL = 300 * time.Second
	}
	return &Policy{
		PermanentHeight: permanentHeight,
		LatestBlockTTL:  latestTTL,
		RecentBlockTTL:  recentTTL,
		EthCallTTL:      ethCallTTL,
	}
}

var neverCacheMethods = map[string]bool{
	"eth_sendTransaction":                 true,
	"eth_sendRawTransaction":              true,
	"eth_sign":                            true,
	"eth_signTransaction":                 true,
	"eth_signTypedData":                   true,
	"eth_newFilter":                       true,
	"eth_newBlockFilter":                  true,
	"eth_newPendingTransactionFilter":     true,
	"eth_uninstallFilter":                 true,
	"eth_getFilterChanges":                true,
	"eth_subscribe":                       true,
	"eth_unsubscribe":                     true,
	"personal_sign":                       true,
	"personal_sendTransaction":            true,
	"personal_unlockAccount":              true,
	"txpool_content":                      true,
	"txpool_status":                       true,
	"txpool_inspect":                      true,
}

var immutableMethods = map[string]bool{
	"eth_getTransactionByHash":            true,
	"eth_getTransactionReceipt":           true,
	"eth_getBlockByHash":                  true,
	"eth_getTransactionByBlockHashAndIndex":   true,
	"eth_getTransactionByBlockNumberAndIndex": true,
	"eth_getUncleByBlockHashAndIndex":     true,
	"eth_getUncleByBlockNumberAndIndex":   true,
}

var blockMethods = map[string]bool{
	"eth_blockNumber":                    true,
	"eth_getBlockByNumber":                true,
	"eth_getBlockTransactionCountByHash":  true,
	"eth_getBlockTransactionCountByNumber": true,
	"eth_getUncleCountByBlockHash":        true,
	"eth_getUncleCountByBlockNumber":      true,
}

var accountStateMethods = map[string]bool{
	"eth_getBalance":         true,
	"eth_getTransactionCount": true,
	"eth_getStorageAt":        true,
	"eth_getCode":             true,
}

var gasMethods = map[string]bool{
	"eth_gasPrice":             true,
	"eth_estimateGas":          true,
	"eth_maxPriorityFeePerGas": true,
	"eth_feeHistory":           true,
}

var logMethods = map[string]bool{
	"eth_getLogs":       true,
	"eth_getFilterLogs": true,
}

var networkMethods = map[string]bool{
	"eth_chainId":          true,
	"net_version":          true,
	"net_listening":        true,
	"net_peerCount":        true,
	"web3_clientVersion":   true,
	"eth_protocolVersion":  true,
	"eth_syncing":          true,
}

var contractCallMethods = map[string]bool{
	"eth_call":            true,
	"eth_createAccessList": true,
}

var miningMethods = map[string]bool{
	"eth_mining":   true,
	"eth_hashrate": true,
	"eth_getWork":  true,
}

var proofMethods = map[string]bool{
	"eth_getProof": true,
}

// Classify derives a caching Decision for one (method, params) pair. It
// never mutates params and never errors: an unparsable block tag is treated
// tolerantly, falling back to the category's non-historical TTL.
func (p *Policy) Classify(method string, params json.RawMessage) Decision {
	switch {
	case neverCacheMethods[method]:
		return Decision{Category: CategoryNeverCache, Cacheable: false}

	case immutableMethods[method]:
		return Decision{Category: CategoryImmutable, Cacheable: true, Permanent: true}

	case blockMethods[method]:
		return p.classifyBlocks(method, params)

	case accountStateMethods[method]:
		return p.classifyAccountState(method, params)

	case gasMethods[method]:
		return p.classifyGas(method, params)

	case logMethods[method]:
		return p.classifyLogs(params)

	case networkMethods[method]:
		return p.classifyNetwork(method)

	case contractCallMethods[method]:
		return p.classifyContractCall(method, params)

	case miningMethods[method]:
		return Decision{Category: CategoryMining, Cacheable: true, TTL: 10 * time.Second}

	case proofMethods[method]:
		return p.classifyProof(params)

	default:
		return Decision{Category: CategoryUnknown, Cacheable: true, TTL: 10 * time.Second}
	}
}

func (p *Policy) classifyBlocks(method string, params json.RawMessage) Decision {
	if method == "eth_blockNumber" {
		return Decision{Category: CategoryBlocks, Cacheable: true, TTL: p.LatestBlockTTL}
	}

	// eth_getBlockByNumber / getBlockTransactionCountByNumber / getUncleCountByBlockNumber
	// all take the block tag/number as the first parameter.
	blockParam := firstParam(params)
	if tag, isTag := parseTag(blockParam); isTag {
		switch tag {
		case "latest":
			return Decision{Category: CategoryBlocks, Cacheable: true, TTL: p.LatestBlockTTL}
		case "pending":
			return Decision{Category: CategoryBlocks, Cacheable: true, TTL: 1 * time.Second}
		case "earliest":
			return Decision{Category: CategoryBlocks, Cacheable: true, TTL: 1 * time.Hour}
		}
	}
	if n, ok := parseBlockNumber(blockParam); ok {
		if n <= p.PermanentHeight {
			return Decision{Category: CategoryBlocks, Cacheable: true, Permanent: true}
		}
		return Decision{Category: CategoryBlocks, Cacheable: true, TTL: p.RecentBlockTTL}
	}

	// Hash-keyed variants (getBlockTransactionCountByHash, getUncleCountByBlockHash)
	// carry no block-height information to inspect; treat as recent.
	return Decision{Category: CategoryBlocks, Cacheable: true, TTL: p.RecentBlockTTL}
}

func (p *Policy) classifyAccountState(method string, params json.RawMessage) Decision {
	if method == "eth_getCode" {
		return Decision{Category: CategoryAccountState, Cacheable: true, TTL: 300 * time.Second}
	}

	// getBalance/getTransactionCount/getStorageAt take the block tag/number
	// as the last parameter.
	blockParam := lastParam(params)
	if n, ok := parseBlockNumber(blockParam); ok {
		if n <= p.PermanentHeight {
			return Decision{Category: CategoryAccountState, Cacheable: true, Permanent: true}
		}
		return Decision{Category: CategoryAccountState, Cacheable: true, TTL: 300 * time.Second}
	}
	return Decision{Category: CategoryAccountState, Cacheable: true, TTL: 15 * time.Second}
}

func (p *Policy) classifyGas(method string, params json.RawMessage) Decision {
	if method == "eth_feeHistory" {
		// feeHistory(blockCount, newestBlock, rewardPercentiles): newestBlock
		// is the second parameter.
		newest := nthParam(params, 1)
		if n, ok := parseBlockNumber(newest); ok && n <= p.PermanentHeight {
			return Decision{Category: CategoryGas, Cacheable: true, TTL: 1 * time.Hour}
		}
	}
	return Decision{Category: CategoryGas, Cacheable: true, TTL: 5 * time.Second}
}

func (p *Policy) classifyLogs(params json.RawMessage) Decision {
	filter := firstParam(params)
	var obj struct {
		FromBlock string `json:"fromBlock"`
		ToBlock   string `json:"toBlock"`
	}
	if err := json.Unmarshal(filter, &obj); err != nil {
		return Decision{Category: CategoryLogs, Cacheable: true, TTL: 10 * time.Second}
	}

	fromN, fromOK := parseBlockNumber(json.RawMessage(quote(obj.FromBlock)))
	toN, toOK := parseBlockNumber(json.RawMessage(quote(obj.ToBlock)))

	if fromOK && toOK {
		if toN <= p.PermanentHeight {
			return Decision{Category: CategoryLogs, Cacheable: true, Permanent: true}
		}
		return Decision{Category: CategoryLogs, Cacheable: true, TTL: 300 * time.Second}
	}
	return Decision{Category: CategoryLogs, Cacheable: true, TTL: 10 * time.Second}
}

func (p *Policy) classifyNetwork(method string) Decision {
	switch method {
	case "eth_syncing":
		return Decision{Category: CategoryNetwork, Cacheable: true, TTL: 30 * time.Second}
	case "eth_chainId", "net_version", "web3_clientVersion", "eth_protocolVersion":
		return Decision{Category: CategoryNetwork, Cacheable: true, TTL: 1 * time.Hour}
	default:
		return Decision{Category: CategoryNetwork, Cacheable: true, TTL: 300 * time.Second}
	}
}

func (p *Policy) classifyContractCall(method string, params json.RawMessage) Decision {
	if method == "eth_createAccessList" {
		return Decision{Category: CategoryContractCall, Cacheable: true, TTL: 60 * time.Second}
	}

	// eth_call(callObject, blockTag): blockTag is the second parameter.
	blockParam := nthParam(params, 1)
	if n, ok := parseBlockNumber(blockParam); ok {
		if n <= p.PermanentHeight {
			return Decision{Category: CategoryContractCall, Cacheable: true, Permanent: true}
		}
		return Decision{Category: CategoryContractCall, Cacheable: true, TTL: 300 * time.Second}
	}
	return Decision{Category: CategoryContractCall, Cacheable: true, TTL: p.EthCallTTL}
}

func (p *Policy) classifyProof(params json.RawMessage) Decision {
	// eth_getProof(address, storageKeys, blockTag): blockTag is the third
	// parameter.
	blockParam := nthParam(params, 2)
	if n, ok := parseBlockNumber(blockParam); ok && n <= p.PermanentHeight {
		return Decision{Category: CategoryProofs, Cacheable: true, Permanent: true}
	}
	return Decision{Category: CategoryProofs, Cacheable: true, TTL: 60 * time.Second}
}

func firstParam(params json.RawMessage) json.RawMessage  { return nthParam(params, 0) }
func lastParam(params json.RawMessage) json.RawMessage {
	arr := paramArray(params)
	if len(arr) == 0 {
		return nil
	}
	return arr[len(arr)-1]
}

func nthParam(params json.RawMessage, n int) json.RawMessage {
	arr := paramArray(params)
	if n < 0 || n >= len(arr) {
		return nil
	}
	return arr[n]
}

func paramArray(params json.RawMessage) []json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil {
		return nil
	}
	return arr
}

// parseTag reports whether raw is one of the three block tag strings.
func parseTag(raw json.RawMessage) (string, bool) {
	s, ok := unquote(raw)
	if !ok {
		return "", false
	}
	switch s {
	case "latest", "pending", "earliest":
		return s, true
	}
	return "", false
}

// parseBlockNumber parses a block parameter tolerantly: a hex string
// ("0x…"), a decimal string, or (defensively) a bare JSON number. Tag
// strings and unparsable values return ok=false.
func parseBlockNumber(raw json.RawMessage) (uint64, bool) {
	if s, ok := unquote(raw); ok {
		if s == "" {
			return 0, false
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, err := strconv.ParseUint(s[2:], 16, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	if len(raw) == 0 {
		return 0, false
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func unquote(raw json.RawMessage) (string, bool) {
	if len(raw) < 2 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	b, _ := json.Marshal(s)
	return string(b)
}
