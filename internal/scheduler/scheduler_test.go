package scheduler

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectBaseFee_ZeroBlocksIsUnchanged(t *testing.T) {
	got := projectBaseFee(big.NewInt(10_000_000_000), 0)
	assert.Equal(t, "10000000000", got.String())
}

func TestProjectBaseFee_AppliesCompoundCapPerBlock(t *testing.T) {
	current := big.NewInt(1_000_000_000)
	got := projectBaseFee(current, 2)

	want := new(big.Int).Set(current)
	want.Mul(want, big.NewInt(1125))
	want.Div(want, big.NewInt(1000))
	want.Mul(want, big.NewInt(1125))
	want.Div(want, big.NewInt(1000))

	assert.Equal(t, want.String(), got.String())
}

func TestProjectBaseFee_NilCurrentIsZero(t *testing.T) {
	got := projectBaseFee(nil, 5)
	assert.Equal(t, "0", got.String())
}

func TestJobID_IsChainAndBlockNumber(t *testing.T) {
	j := Job{ChainID: 1, Current: Block{Number: 42}}
	assert.Equal(t, "1:42", j.JobID())
}
