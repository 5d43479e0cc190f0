package chainstate

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockArg_ZeroMeansLatest(t *testing.T) {
	assert.Nil(t, blockArg(0))
}

func TestBlockArg_NonZeroPinsBlockNumber(t *testing.T) {
	assert.Equal(t, big.NewInt(12345), blockArg(12345))
}
