package usecase

import (
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"

	"command-codes/internal/domain"
)

const (
	// DefaultAlphabet matches the lowercase alphanumeric codes players type in chat.
	DefaultAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// UnambiguousAlphabet avoids characters like O/0, I/1, l.
	UnambiguousAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// TokenGenerator produces candidate tokens for the registry. Capacity is the
// number of distinct tokens it can ever produce, or 0 when that is unbounded
// or unknown.
type TokenGenerator interface {
	Generate() (string, error)
	Capacity() uint64
}

// TokenSpace is implemented by generators that can tell whether a token is
// one they could have produced. The registry uses it to count only those
// tokens against Capacity.
type TokenSpace interface {
	Contains(token string) bool
}

// TokenFunc adapts a plain function. Its capacity is unknown.
type TokenFunc func() (string, error)

func (f TokenFunc) Generate() (string, error) { return f() }
func (f TokenFunc) Capacity() uint64          { return 0 }

type alphabetTokens struct {
	length   int
	alphabet string
	limit    int // largest multiple of len(alphabet) that fits in a byte
	rand     io.Reader
}

// AlphabetTokens draws length characters uniformly from alphabet using crypto/rand.
func AlphabetTokens(length int, alphabet string) (TokenGenerator, error) {
	return newAlphabetTokens(length, alphabet, rand.Reader)
}

func newAlphabetTokens(length int, alphabet string, r io.Reader) (*alphabetTokens, error) {
	if length < 1 {
		return nil, fmt.Errorf("token length %d: %w", length, domain.ErrInvalidArgument)
	}
	if len(alphabet) < 2 || len(alphabet) > 256 {
		return nil, fmt.Errorf("alphabet size %d: %w", len(alphabet), domain.ErrInvalidArgument)
	}
	seen := make(map[byte]bool, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		if seen[alphabet[i]] {
			return nil, fmt.Errorf("alphabet repeats %q: %w", alphabet[i], domain.ErrInvalidArgument)
		}
		seen[alphabet[i]] = true
	}
	return &alphabetTokens{
		length:   length,
		alphabet: alphabet,
		limit:    256 - 256%len(alphabet),
		rand:     r,
	}, nil
}

func (g *alphabetTokens) Generate() (string, error) {
	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)
	for len(out) < g.length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// reject bytes past the last full cycle to keep the draw unbiased
			if int(b) >= g.limit {
				continue
			}
			out = append(out, g.alphabet[int(b)%len(g.alphabet)])
			if len(out) == g.length {
				break
			}
		}
	}
	return string(out), nil
}

func (g *alphabetTokens) Capacity() uint64 {
	n := uint64(len(g.alphabet))
	total := uint64(1)
	for i := 0; i < g.length; i++ {
		if total > math.MaxUint64/n {
			return 0
		}
		total *= n
	}
	return total
}

func (g *alphabetTokens) Contains(token string) bool {
	if len(token) != g.length {
		return false
	}
	for i := 0; i < len(token); i++ {
		if strings.IndexByte(g.alphabet, token[i]) < 0 {
			return false
		}
	}
	return true
}

type numericTokens struct {
	max  *big.Int
	rand io.Reader
}

// NumericTokens draws decimal integers in [0, limit).
func NumericTokens(limit int64) (TokenGenerator, error) {
	if limit < 1 {
		return nil, fmt.Errorf("numeric cap %d: %w", limit, domain.ErrInvalidArgument)
	}
	return &numericTokens{max: big.NewInt(limit), rand: rand.Reader}, nil
}

func (g *numericTokens) Generate() (string, error) {
	n, err := rand.Int(g.rand, g.max)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64(), 10), nil
}

func (g *numericTokens) Capacity() uint64 { return g.max.Uint64() }

func (g *numericTokens) Contains(token string) bool {
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != token {
		return false
	}
	return n >= 0 && n < g.max.Int64()
}
