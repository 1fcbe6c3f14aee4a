package config

import (
	"hash/fnv"
	"os"
	"regexp"
)

var reEnvRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the environment value. Bare $NAME is left
// untouched so secrets containing '$' survive.
func expandEnv(b []byte) []byte {
	return reEnvRef.ReplaceAllFunc(b, func(m []byte) []byte {
		name := reEnvRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
