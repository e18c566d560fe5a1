package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_Resolve(t *testing.T) {
	card := NewCardProvider(CardConfig{}, nil)
	wallet := NewWalletProvider(WalletConfig{}, nil)
	f := NewFactory(card, wallet)

	p, err := f.Resolve("card")
	require.NoError(t, err)
	assert.Same(t, card, p)

	p, err = f.Resolve(" Wallet ")
	require.NoError(t, err)
	assert.Same(t, wallet, p)

	_, err = f.Resolve("paypal")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Equal(t, []string{"card", "wallet"}, f.Tags())
}
