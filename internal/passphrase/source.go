// Package passphrase resolves the wallet keystore passphrase for the songcoin
// commands.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const (
	enterLabel  = "Enter wallet keystore passphrase: "
	repeatLabel = "Repeat wallet keystore passphrase: "
)

var (
	// ErrEmpty rejects blank and whitespace-only passphrases.
	ErrEmpty = errors.New("wallet keystore passphrase cannot be empty")
	// ErrMismatch is returned when the repeated passphrase differs.
	ErrMismatch = errors.New("wallet keystore passphrases do not match")
)

// ReadFunc prints label and reads one secret line.
type ReadFunc func(label string) (string, error)

// Option customises a Source.
type Option func(*Source)

// WithReader replaces the terminal prompt.
func WithReader(read ReadFunc) Option {
	return func(s *Source) { s.read = read }
}

// Confirmed asks for the passphrase twice when prompting. Use it when the
// passphrase protects a keystore being created.
func Confirmed() Option {
	return func(s *Source) { s.confirm = true }
}

// Source resolves the passphrase once, from an environment variable or an
// interactive prompt, and caches the outcome.
type Source struct {
	envVar  string
	read    ReadFunc
	confirm bool

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on stderr.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{envVar: strings.TrimSpace(envVar)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Static returns a source that always yields value.
func Static(value string) *Source {
	s := &Source{}
	s.once.Do(func() {
		if strings.TrimSpace(value) == "" {
			s.err = ErrEmpty
			return
		}
		s.value = value
	})
	return s
}

// Get returns the passphrase, resolving it on first use. An environment
// value is never confirmed since nobody typed it.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	read := s.read
	if read == nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				return "", fmt.Errorf("wallet keystore passphrase required; set %s or run interactively", s.envVar)
			}
			return "", errors.New("wallet keystore passphrase required and no terminal available")
		}
		read = terminalReader(os.Stderr)
	}

	first, err := read(enterLabel)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(first) == "" {
		return "", ErrEmpty
	}
	if !s.confirm {
		return first, nil
	}
	second, err := read(repeatLabel)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if second != first {
		return "", ErrMismatch
	}
	return first, nil
}

func terminalReader(out io.Writer) ReadFunc {
	return func(label string) (string, error) {
		fmt.Fprint(out, label)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(out)
		return string(secret), err
	}
}
