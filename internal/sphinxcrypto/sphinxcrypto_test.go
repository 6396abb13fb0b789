// sphinxcrypto_test.go - per-hop primitive tests.
// SPDX-License-Identifier: AGPL-3.0-only
package sphinxcrypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeypairDHAgreement(t *testing.T) {
	aPriv, aPub, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	bPriv, bPub, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	s1, err := DeriveSecret(aPriv, bPub)
	require.NoError(t, err)
	s2, err := DeriveSecret(bPriv, aPub)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestExpandHopDeterministic(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	hk1, err := ExpandHop(secret)
	require.NoError(t, err)
	hk2, err := ExpandHop(secret)
	require.NoError(t, err)
	require.Equal(t, hk1, hk2)

	other := make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)
	hk3, err := ExpandHop(other)
	require.NoError(t, err)
	require.NotEqual(t, hk1.PayloadKey, hk3.PayloadKey)
}

func TestExpandHopKeysAreIndependent(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	hk, err := ExpandHop(secret)
	require.NoError(t, err)
	require.NotEqual(t, hk.RoutingInfoKey, hk.PayloadKey)
	require.NotEqual(t, hk.PayloadKey, hk.HeaderMACKey)
	require.NotEqual(t, hk.HeaderMACKey, hk.BlindingFactor)
	require.NotEqual(t, [32]byte(hk.ReplayTag), hk.RoutingInfoKey)
}

func TestHeaderMACVerifyRoundTrip(t *testing.T) {
	var macKey [32]byte
	_, err := rand.Read(macKey[:])
	require.NoError(t, err)

	routingInfo := []byte("next-hop-address-and-delay")
	mac := ComputeHeaderMAC(macKey, routingInfo)
	require.NoError(t, VerifyHeaderMAC(macKey, routingInfo, mac))
}

func TestHeaderMACRejectsTamperedData(t *testing.T) {
	var macKey [32]byte
	_, err := rand.Read(macKey[:])
	require.NoError(t, err)

	routingInfo := []byte("next-hop-address-and-delay")
	mac := ComputeHeaderMAC(macKey, routingInfo)

	tampered := append([]byte{}, routingInfo...)
	tampered[0] ^= 0xff
	require.ErrorIs(t, VerifyHeaderMAC(macKey, tampered, mac), ErrInvalidMAC)
}

func TestHeaderMACRejectsWrongKey(t *testing.T) {
	var macKey, wrongKey [32]byte
	_, err := rand.Read(macKey[:])
	require.NoError(t, err)
	_, err = rand.Read(wrongKey[:])
	require.NoError(t, err)

	routingInfo := []byte("payload")
	mac := ComputeHeaderMAC(macKey, routingInfo)
	require.ErrorIs(t, VerifyHeaderMAC(wrongKey, routingInfo, mac), ErrInvalidMAC)
}

func TestPayloadEncryptDecryptRoundTrip(t *testing.T) {
	var payloadKey [32]byte
	_, err := rand.Read(payloadKey[:])
	require.NoError(t, err)
	nonce := make([]byte, 12)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext, err := EncryptPayload(payloadKey, nonce, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := DecryptPayload(payloadKey, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestPayloadDecryptFailsOnTamperedCiphertext(t *testing.T) {
	var payloadKey [32]byte
	_, err := rand.Read(payloadKey[:])
	require.NoError(t, err)
	nonce := make([]byte, 12)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	ciphertext, err := EncryptPayload(payloadKey, nonce, []byte("hello"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xff

	_, err = DecryptPayload(payloadKey, nonce, ciphertext)
	require.Error(t, err)
}
