package vmconfig

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

var ErrInvalidSize = errors.New("invalid size")

// Size is a byte count written as a number with an optional K, M or G
// suffix, optionally followed by B. Suffixes are powers of 1024.
type Size uint64

func ParseSize(s string) (Size, error) {
	str := strings.ToUpper(strings.TrimSpace(s))
	str = strings.TrimSuffix(str, "B")

	shift := 0
	if n := len(str); n > 0 {
		switch str[n-1] {
		case 'K':
			shift = 10
		case 'M':
			shift = 20
		case 'G':
			shift = 30
		}
		if shift != 0 {
			str = str[:n-1]
		}
	}
	if str == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSize, s, err)
	}
	if shift > 0 && bits.LeadingZeros64(v) < shift {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}
	return Size(v << shift), nil
}

func (s Size) String() string {
	v := uint64(s)
	switch {
	case v == 0:
		return "0"
	case v%(1<<30) == 0:
		return strconv.FormatUint(v>>30, 10) + "G"
	case v%(1<<20) == 0:
		return strconv.FormatUint(v>>20, 10) + "M"
	case v%(1<<10) == 0:
		return strconv.FormatUint(v>>10, 10) + "K"
	default:
		return strconv.FormatUint(v, 10)
	}
}

// Set implements flag.Value.
func (s *Size) Set(str string) error {
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Size) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}
