package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_EmptyParams(t *testing.T) {
	fp, err := Compute("eth_blockNumber", nil)
	require.NoError(t, err)
	assert.Equal(t, "eth_blockNumber:[]", fp)
}

func TestCompute_ArrayOrderPreserved(t *testing.T) {
	fp, err := Compute("eth_getBalance", []byte(`["0xabc", "latest"]`))
	require.NoError(t, err)
	assert.Equal(t, `eth_getBalance:["0xabc","latest"]`, fp)
}

func TestCompute_ObjectKeysSorted(t *testing.T) {
	fpA, err := Compute("eth_getLogs", []byte(`[{"toBlock":"0x2","fromBlock":"0x1"}]`))
	require.NoError(t, err)

	fpB, err := Compute("eth_getLogs", []byte(`[{"fromBlock":"0x1","toBlock":"0x2"}]`))
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB, "key order must not affect the fingerprint")
}

func TestCompute_HexNotNormalizedToDecimal(t *testing.T) {
	fpHex, err := Compute("eth_getBalance", []byte(`["0xabc", "0x10"]`))
	require.NoError(t, err)

	fpDec, err := Compute("eth_getBalance", []byte(`["0xabc", "16"]`))
	require.NoError(t, err)

	assert.NotEqual(t, fpHex, fpDec, "0x10 and 16 must not collide")
}

func TestCompute_LargeIntegerLiteralPreservedVerbatim(t *testing.T) {
	fp, err := Compute("eth_call", []byte(`[{"blockNumber":15537393000000000000}]`))
	require.NoError(t, err)
	assert.Contains(t, fp, "15537393000000000000", "large integers must not be reformatted through float64")
}

func TestCompute_NestedArraysAndObjects(t *testing.T) {
	fp1, err := Compute("eth_call", []byte(`[{"to":"0x1","data":"0x2"},"latest"]`))
	require.NoError(t, err)

	fp2, err := Compute("eth_call", []byte(`[{"data":"0x2","to":"0x1"},"latest"]`))
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
}

func TestCompute_DifferentMethodsNeverCollide(t *testing.T) {
	fp1, err := Compute("eth_getBalance", []byte(`["0xabc","latest"]`))
	require.NoError(t, err)

	fp2, err := Compute("eth_getCode", []byte(`["0xabc","latest"]`))
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestCompute_InvalidJSONReturnsError(t *testing.T) {
	_, err := Compute("eth_call", []byte(`{not valid json`))
	assert.Error(t, err)
}
