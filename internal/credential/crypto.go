// Package credential stores and refreshes OAuth2 tokens used by the tool
// adapter layer and human-in-the-loop nodes.
package credential

import (
	atcrypto "github.com/rakunlabs/flowcore/internal/crypto"
)

// deriveAccessKey and deriveRefreshKey split one configured passphrase into
// two independent AES-256 keys by label suffix, so a leaked access-token
// ciphertext never yields the refresh-token key and vice versa. Both still
// go through crypto.DeriveKey, keeping its existing signature and tests
// intact.
func deriveAccessKey(passphrase string) ([]byte, error) {
	return atcrypto.DeriveKey(passphrase + ":access")
}

func deriveRefreshKey(passphrase string) ([]byte, error) {
	return atcrypto.DeriveKey(passphrase + ":refresh")
}

// encryptTokens encrypts an access/refresh token pair for storage. Either
// value may be empty (e.g. providers that don't issue refresh tokens).
func encryptTokens(passphrase, accessToken, refreshToken string) (encAccess, encRefresh string, err error) {
	accessKey, err := deriveAccessKey(passphrase)
	if err != nil {
		return "", "", err
	}
	refreshKey, err := deriveRefreshKey(passphrase)
	if err != nil {
		return "", "", err
	}

	encAccess, err = atcrypto.Encrypt(accessToken, accessKey)
	if err != nil {
		return "", "", err
	}
	encRefresh, err = atcrypto.Encrypt(refreshToken, refreshKey)
	if err != nil {
		return "", "", err
	}
	return encAccess, encRefresh, nil
}

// decryptTokens reverses encryptTokens.
func decryptTokens(passphrase, encAccess, encRefresh string) (accessToken, refreshToken string, err error) {
	accessKey, err := deriveAccessKey(passphrase)
	if err != nil {
		return "", "", err
	}
	refreshKey, err := deriveRefreshKey(passphrase)
	if err != nil {
		return "", "", err
	}

	accessToken, err = atcrypto.Decrypt(encAccess, accessKey)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = atcrypto.Decrypt(encRefresh, refreshKey)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}
