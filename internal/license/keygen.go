package license

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// keyAlphabet leaves out 0/O, 1/I and similar lookalikes. Keys are typed in
// by humans from invoices and emails, so every character must survive a
// phone call.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	keyGroups    = 4
	keyGroupSize = 5
)

// NewLicenseKey generates a random key of the form XXXXX-XXXXX-XXXXX-XXXXX.
func NewLicenseKey() (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	groups := make([]string, 0, keyGroups)
	var sb strings.Builder
	for g := 0; g < keyGroups; g++ {
		sb.Reset()
		for i := 0; i < keyGroupSize; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			sb.WriteByte(keyAlphabet[n.Int64()])
		}
		groups = append(groups, sb.String())
	}
	return strings.Join(groups, "-"), nil
}
