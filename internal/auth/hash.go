package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new hashes.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024 // KiB
	argonThreads uint8  = 1
	saltLen      uint32 = 16
	keyLen       uint32 = 32
	phcAlg              = "argon2id"
	phcVersion          = 19
	plainPrefix         = "plain:"
)

// HashPassword returns a PHC string:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
func HashPassword(plain string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(plain), salt, argonTime, argonMemory, argonThreads, keyLen)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcAlg, phcVersion, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyPassword checks plain against encoded, which is either a PHC string
// or "plain:<password>" for hand-edited development credentials.
func VerifyPassword(encoded, plain string) bool {
	if strings.HasPrefix(encoded, plainPrefix) {
		return subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(encoded, plainPrefix)), []byte(plain)) == 1
	}
	p, salt, sum, err := parsePHC(encoded)
	if err != nil {
		return false
	}
	calc := argon2.IDKey([]byte(plain), salt, p.time, p.memory, p.threads, uint32(len(sum)))
	return subtle.ConstantTimeCompare(calc, sum) == 1
}

type phcParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func parsePHC(phc string) (phcParams, []byte, []byte, error) {
	parts := strings.Split(phc, "$")
	// "", alg, v=19, params, salt, hash
	if len(parts) != 6 || parts[0] != "" {
		return phcParams{}, nil, nil, errors.New("invalid phc: layout")
	}
	if parts[1] != phcAlg {
		return phcParams{}, nil, nil, fmt.Errorf("unsupported alg: %s", parts[1])
	}
	if v, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v=")); err != nil || v != phcVersion {
		return phcParams{}, nil, nil, fmt.Errorf("unsupported version: %s", parts[2])
	}
	var p phcParams
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "m":
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				p.memory = uint32(n)
			}
		case "t":
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				p.time = uint32(n)
			}
		case "p":
			if n, err := strconv.ParseUint(v, 10, 8); err == nil {
				p.threads = uint8(n)
			}
		}
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return phcParams{}, nil, nil, errors.New("invalid phc: params")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return phcParams{}, nil, nil, errors.New("invalid phc: salt")
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return phcParams{}, nil, nil, errors.New("invalid phc: hash")
	}
	return p, salt, sum, nil
}
