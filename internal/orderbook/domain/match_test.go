package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nativeOrder(side Side, priceWei *big.Int, maxGasGwei int64) *Order {
	return &Order{
		ID: OrderID("o"), Side: side, Source: SourceNative,
		StartPriceWei: priceWei, EndPriceWei: priceWei,
		MaxGasPriceWei: new(big.Int).Mul(big.NewInt(maxGasGwei), weiPerGwei),
		StartTime:      time.Unix(0, 0),
	}
}

func seaportOrder(side Side, priceWei *big.Int, gasUsage uint64) *Order {
	return &Order{
		ID: OrderID("o"), Side: side, Source: SourceSeaport15,
		StartPriceWei: priceWei, EndPriceWei: priceWei,
		GasUsage:  gasUsage,
		StartTime: time.Unix(0, 0),
	}
}

func TestClassify_NativePairClears(t *testing.T) {
	listing := nativeOrder(SideListing, big.NewInt(1e17), 20)
	offer := nativeOrder(SideOffer, big.NewInt(1e17), 20)

	m, err := Classify(listing, offer)
	require.NoError(t, err)
	assert.True(t, m.IsNative)
	assert.Equal(t, int64(20), m.MaxGasPriceGwei.Int64())
	assert.Equal(t, int64(0), m.ArbitrageWei.Int64())
}

func TestClassify_NativePairOfferBelowListingRejected(t *testing.T) {
	listing := nativeOrder(SideListing, big.NewInt(2e17), 20)
	offer := nativeOrder(SideOffer, big.NewInt(1e17), 20)

	_, err := Classify(listing, offer)
	require.Error(t, err)
}

func TestClassify_OfferNativeListingNonNativeComputesArbitrageAndTolerance(t *testing.T) {
	// listing: 0.10 ETH, gasUsage 50_000; offer: 0.12 ETH native, maxGasPrice 100 gwei.
	listing := seaportOrder(SideListing, big.NewInt(1e17), 50_000)
	offer := nativeOrder(SideOffer, big.NewInt(12e16), 100)

	m, err := Classify(listing, offer)
	require.NoError(t, err)
	assert.False(t, m.IsNative)

	wantArbitrage := new(big.Int).Sub(offer.PriceWei(), listing.PriceWei())
	assert.Equal(t, wantArbitrage.String(), m.ArbitrageWei.String())

	gasCost := new(big.Int).SetUint64(listing.GasUsage + gasBufferUnits)
	wantToleranceWei := new(big.Int).Div(wantArbitrage, gasCost)
	wantToleranceGwei := weiToGwei(wantToleranceWei)
	if offerGwei := weiToGwei(offer.MaxGasPriceWei); offerGwei.Cmp(wantToleranceGwei) < 0 {
		wantToleranceGwei = offerGwei
	}
	assert.Equal(t, wantToleranceGwei.String(), m.MaxGasPriceGwei.String())
}

func TestClassify_NegativeArbitrageRejected(t *testing.T) {
	listing := seaportOrder(SideListing, big.NewInt(2e17), 50_000)
	offer := nativeOrder(SideOffer, big.NewInt(1e17), 100)

	_, err := Classify(listing, offer)
	require.Error(t, err)
}

func TestClassify_NativeListingNonNativeOfferUnsupported(t *testing.T) {
	listing := nativeOrder(SideListing, big.NewInt(1e17), 20)
	offer := seaportOrder(SideOffer, big.NewInt(1e17), 50_000)

	_, err := Classify(listing, offer)
	require.ErrorIs(t, err, ErrUnsupportedMatchShape)
}

func TestClassify_RequiresOneListingOneOffer(t *testing.T) {
	a := nativeOrder(SideListing, big.NewInt(1e17), 20)
	b := nativeOrder(SideListing, big.NewInt(1e17), 20)

	_, err := Classify(a, b)
	require.Error(t, err)
}
