package naming

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/splax/filify/internal/domain"
)

// ErrInvalidPayload is returned when a prepared update cannot be signed as is.
var ErrInvalidPayload = errors.New("invalid naming payload")

// ValidateAddress checks a 20-byte hex address. Mixed-case addresses must carry
// a valid EIP-55 checksum.
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return fmt.Errorf("%w: address %q is not 20 bytes of hex", ErrInvalidPayload, addr)
	}
	body := addr[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return fmt.Errorf("%w: address %q is not hex", ErrInvalidPayload, addr)
	}
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if ChecksumAddress(addr) != addr {
		return fmt.Errorf("%w: address %q has a bad checksum", ErrInvalidPayload, addr)
	}
	return nil
}

// ChecksumAddress returns the EIP-55 form of a hex address.
func ChecksumAddress(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// ValidatePayload checks every field of a prepared update.
func ValidatePayload(p domain.UpdatePayload) error {
	if err := ValidateAddress(p.TargetContract); err != nil {
		return err
	}
	data := p.CallData
	if !strings.HasPrefix(data, "0x") || len(data) < 10 || len(data)%2 != 0 {
		return fmt.Errorf("%w: call data must be 0x-prefixed hex with a selector", ErrInvalidPayload)
	}
	if _, err := hex.DecodeString(data[2:]); err != nil {
		return fmt.Errorf("%w: call data is not hex", ErrInvalidPayload)
	}
	if p.ChainID == 0 {
		return fmt.Errorf("%w: chain id must be positive", ErrInvalidPayload)
	}
	return nil
}
