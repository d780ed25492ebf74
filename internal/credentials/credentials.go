// Package credentials reads "<account>----<signingKey>" records from loosely
// formatted text files.
package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Separator splits the fields of a record line.
const Separator = "----"

const hexPrefix = "0x"

var logger = zerolog.Nop()

// SetLogger replaces the package logger used for parse warnings.
func SetLogger(l zerolog.Logger) { logger = l }

// Record is one account with the key that signs for it.
type Record struct {
	Account    common.Address
	SigningKey string
}

// FileReadError reports a credential file that could not be read or decoded.
type FileReadError struct {
	Path string
	Err  error
}

func (e *FileReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("read credentials: %v", e.Err)
	}
	return fmt.Sprintf("read credentials %s: %v", e.Path, e.Err)
}

func (e *FileReadError) Unwrap() error { return e.Err }

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var errInvalidGBK = errors.New("invalid gbk sequence")

// Decode returns data as text, trying UTF-8 first and GBK second.
func Decode(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(bytes.TrimPrefix(data, utf8BOM)), nil
	}
	// The GBK decoder substitutes U+FFFD for invalid sequences instead of
	// failing, and GBK itself never decodes to U+FFFD.
	out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err == nil && bytes.ContainsRune(out, utf8.RuneError) {
		err = errInvalidGBK
	}
	if err != nil {
		return "", &FileReadError{Err: fmt.Errorf("neither utf-8 nor gbk: %w", err)}
	}
	logger.Debug().Msg("input is not utf-8, decoded as gbk")
	return string(out), nil
}

// ParsePairs extracts account -> signing key from text. Malformed lines are
// logged and dropped. A later line for the same account replaces the earlier one.
func ParsePairs(data []byte) (map[common.Address]string, error) {
	text, err := Decode(data)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]string)
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, hexPrefix) || !strings.Contains(line, Separator) {
			continue
		}
		parts := strings.Split(line, Separator)
		acct := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])

		addr, ok := canonical(acct)
		if !ok {
			logger.Warn().Int("line", n+1).Str("account", acct).Msg("invalid address format")
			continue
		}
		if key == "" {
			logger.Warn().Int("line", n+1).Str("account", addr.Hex()).Msg("missing signing key")
			continue
		}
		if !strings.HasPrefix(key, hexPrefix) {
			key = hexPrefix + key
		}
		if _, dup := out[addr]; dup {
			logger.Warn().Int("line", n+1).Str("account", addr.Hex()).Msg("duplicate account, later key wins")
		}
		out[addr] = key
	}
	return out, nil
}

// ParseAddresses extracts one account per line for the collect-only mode.
// Input order is kept and duplicates are removed.
func ParseAddresses(data []byte) ([]common.Address, error) {
	text, err := Decode(data)
	if err != nil {
		return nil, err
	}
	var out []common.Address
	seen := make(map[common.Address]struct{})
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, hexPrefix) {
			continue
		}
		if i := strings.Index(line, Separator); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if len(line) < 40 {
			continue
		}
		addr, ok := canonical(line)
		if !ok {
			logger.Warn().Int("line", n+1).Str("account", line).Msg("invalid address format")
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// ReadPairsFile reads and parses a credential file.
func ReadPairsFile(path string) (map[common.Address]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileReadError{Path: path, Err: err}
	}
	m, err := ParsePairs(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	logger.Info().Str("file", path).Int("accounts", len(m)).Msg("credentials loaded")
	return m, nil
}

// ReadAddressesFile reads and parses an address-per-line file.
func ReadAddressesFile(path string) ([]common.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileReadError{Path: path, Err: err}
	}
	addrs, err := ParseAddresses(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	logger.Info().Str("file", path).Int("accounts", len(addrs)).Msg("addresses loaded")
	return addrs, nil
}

// Records flattens the mapping into a slice ordered by account.
func Records(m map[common.Address]string) []Record {
	out := make([]Record, 0, len(m))
	for a, k := range m {
		out = append(out, Record{Account: a, SigningKey: k})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

func canonical(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func withPath(err error, path string) error {
	if fre, ok := err.(*FileReadError); ok {
		fre.Path = path
		return fre
	}
	return &FileReadError{Path: path, Err: err}
}
