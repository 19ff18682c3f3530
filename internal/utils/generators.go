package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var bookingIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RandomString returns n characters drawn uniformly from alphabet using crypto/rand.
func RandomString(n int, alphabet string) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// GenerateBookingID builds an unguessable booking id: a unix-seconds prefix
// followed by a random alphanumeric suffix.
func GenerateBookingID() (string, error) {
	suffix, err := RandomString(10, codeAlphabet)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BK_%d_%s", time.Now().Unix(), suffix), nil
}

func ValidBookingID(id string) bool {
	return bookingIDPattern.MatchString(id)
}

func GenerateCode(length int) (string, error) {
	return RandomString(length, codeAlphabet)
}

// GeneratePool returns size distinct codes of the given length, none equal
// to any entry in exclude.
func GeneratePool(size, length int, exclude ...string) ([]string, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid pool size %d", size)
	}
	seen := make(map[string]struct{}, size+len(exclude))
	for _, e := range exclude {
		seen[e] = struct{}{}
	}

	// 36^length must comfortably exceed size, otherwise this never ends.
	space := new(big.Int).Exp(big.NewInt(int64(len(codeAlphabet))), big.NewInt(int64(length)), nil)
	if space.Cmp(big.NewInt(int64(2*size))) < 0 {
		return nil, fmt.Errorf("code length %d too short for pool of %d", length, size)
	}

	codes := make([]string, 0, size)
	for len(codes) < size {
		code, err := GenerateCode(length)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}
