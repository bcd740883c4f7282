package methodpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy() *Policy {
	return New(1000, 2*time.Second, 60*time.Second, 300*time.Second)
}

func TestClassify_Immutable(t *testing.T) {
	d := testPolicy().Classify("eth_getTransactionByHash", []byte(`["0xabc"]`))
	assert.Equal(t, CategoryImmutable, d.Category)
	assert.True(t, d.Cacheable)
	assert.True(t, d.Permanent)
}

func TestClassify_NeverCache(t *testing.T) {
	for _, m := range []string{"eth_sendRawTransaction", "eth_sendTransaction", "eth_newFilter"} {
		d := testPolicy().Classify(m, nil)
		assert.Equal(t, CategoryNeverCache, d.Category, m)
		assert.False(t, d.Cacheable, m)
	}
}

func TestClassify_BlockNumberUsesLatestTTL(t *testing.T) {
	d := testPolicy().Classify("eth_blockNumber", nil)
	assert.Equal(t, CategoryBlocks, d.Category)
	assert.True(t, d.Cacheable)
	assert.False(t, d.Permanent)
	assert.Equal(t, 2*time.Second, d.TTL)
}

func TestClassify_GetBlockByNumber_LatestTag(t *testing.T) {
	d := testPolicy().Classify("eth_getBlockByNumber", []byte(`["latest", true]`))
	assert.Equal(t, 2*time.Second, d.TTL)
	assert.False(t, d.Permanent)
}

func TestClassify_GetBlockByNumber_PendingTag(t *testing.T) {
	d := testPolicy().Classify("eth_getBlockByNumber", []byte(`["pending", true]`))
	assert.Equal(t, 1*time.Second, d.TTL)
}

func TestClassify_GetBlockByNumber_EarliestTag(t *testing.T) {
	d := testPolicy().Classify("eth_getBlockByNumber", []byte(`["earliest", true]`))
	assert.Equal(t, 1*time.Hour, d.TTL)
}

func TestClassify_GetBlockByNumber_HistoricalBelowPermanentHeight(t *testing.T) {
	d := testPolicy().Classify("eth_getBlockByNumber", []byte(`["0x64", true]`))
	assert.True(t, d.Permanent)
}

func TestClassify_GetBlockByNumber_DecimalAboveHeight(t *testing.T) {
	d := testPolicy().Classify("eth_getBlockByNumber", []byte(`["2000", true]`))
	assert.False(t, d.Permanent)
	assert.Equal(t, 60*time.Second, d.TTL)
}

func TestClassify_GetCode(t *testing.T) {
	d := testPolicy().Classify("eth_getCode", []byte(`["0xabc","latest"]`))
	assert.Equal(t, CategoryAccountState, d.Category)
	assert.Equal(t, 300*time.Second, d.TTL)
}

func TestClassify_GetBalance_HistoricalBlock(t *testing.T) {
	d := testPolicy().Classify("eth_getBalance", []byte(`["0xabc", "100"]`))
	assert.True(t, d.Permanent)
}

func TestClassify_GetBalance_LatestTag(t *testing.T) {
	d := testPolicy().Classify("eth_getBalance", []byte(`["0xabc", "latest"]`))
	assert.False(t, d.Permanent)
	assert.Equal(t, 15*time.Second, d.TTL)
}

func TestClassify_GasPrice(t *testing.T) {
	d := testPolicy().Classify("eth_gasPrice", nil)
	assert.Equal(t, CategoryGas, d.Category)
	assert.Equal(t, 5*time.Second, d.TTL)
}

func TestClassify_FeeHistory_Historical(t *testing.T) {
	d := testPolicy().Classify("eth_feeHistory", []byte(`[4, "100", []]`))
	assert.Equal(t, 1*time.Hour, d.TTL)
}

func TestClassify_FeeHistory_Latest(t *testing.T) {
	d := testPolicy().Classify("eth_feeHistory", []byte(`[4, "latest", []]`))
	assert.Equal(t, 5*time.Second, d.TTL)
}

func TestClassify_Logs_HistoricalRange(t *testing.T) {
	d := testPolicy().Classify("eth_getLogs", []byte(`[{"fromBlock":"0x1","toBlock":"0x64"}]`))
	assert.True(t, d.Permanent)
}

func TestClassify_Logs_RecentRange(t *testing.T) {
	d := testPolicy().Classify("eth_getLogs", []byte(`[{"fromBlock":"1500","toBlock":"2000"}]`))
	assert.Equal(t, 300*time.Second, d.TTL)
}

func TestClassify_Logs_NoExplicitRange(t *testing.T) {
	d := testPolicy().Classify("eth_getLogs", []byte(`[{"address":"0xabc"}]`))
	assert.Equal(t, 10*time.Second, d.TTL)
}

func TestClassify_Network_ChainID(t *testing.T) {
	d := testPolicy().Classify("eth_chainId", nil)
	assert.Equal(t, CategoryNetwork, d.Category)
	assert.Equal(t, 1*time.Hour, d.TTL)
}

func TestClassify_Network_Syncing(t *testing.T) {
	d := testPolicy().Classify("eth_syncing", nil)
	assert.Equal(t, 30*time.Second, d.TTL)
}

func TestClassify_Call_Latest(t *testing.T) {
	d := testPolicy().Classify("eth_call", []byte(`[{"to":"0xabc"},"latest"]`))
	assert.Equal(t, 300*time.Second, d.TTL)
}

func TestClassify_Call_Historical(t *testing.T) {
	d := testPolicy().Classify("eth_call", []byte(`[{"to":"0xabc"},"100"]`))
	assert.True(t, d.Permanent)
}

func TestClassify_CreateAccessList(t *testing.T) {
	d := testPolicy().Classify("eth_createAccessList", []byte(`[{"to":"0xabc"},"latest"]`))
	assert.Equal(t, 60*time.Second, d.TTL)
}

func TestClassify_Mining(t *testing.T) {
	d := testPolicy().Classify("eth_mining", nil)
	assert.Equal(t, CategoryMining, d.Category)
	assert.Equal(t, 10*time.Second, d.TTL)
}

func TestClassify_Proof_Historical(t *testing.T) {
	d := testPolicy().Classify("eth_getProof", []byte(`["0xabc",[],"50"]`))
	assert.True(t, d.Permanent)
}

func TestClassify_Proof_Latest(t *testing.T) {
	d := testPolicy().Classify("eth_getProof", []byte(`["0xabc",[],"latest"]`))
	assert.Equal(t, 60*time.Second, d.TTL)
}

func TestClassify_Unknown(t *testing.T) {
	d := testPolicy().Classify("eth_someBrandNewMethod", nil)
	assert.Equal(t, CategoryUnknown, d.Category)
	assert.True(t, d.Cacheable)
	assert.Equal(t, 10*time.Second, d.TTL)
}

func TestClassify_HexBlockTagTolerant(t *testing.T) {
	d1 := testPolicy().Classify("eth_getBalance", []byte(`["0xabc", "0x64"]`))
	d2 := testPolicy().Classify("eth_getBalance", []byte(`["0xabc", "100"]`))
	assert.Equal(t, d1.Permanent, d2.Permanent, "0x64 and 100 must parse to the same block height")
}
