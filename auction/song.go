package auction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
)

// MaxSongFieldLen bounds the title and artist, in bytes, matching the
// contract's String[32] storage.
const MaxSongFieldLen = 32

// DefaultEmbedPatterns accepts Spotify track embeds, the only provider the
// contract's check_song_url admits.
var DefaultEmbedPatterns = []string{
	`^https://open\.spotify\.com/embed/track/[A-Za-z0-9]+(\?[^\s"'<>]*)?$`,
}

var iframeSrc = regexp.MustCompile(`<iframe[^>]*\ssrc="([^"]+)"[^>]*>`)

// EmbedPolicy is the allow-list of embed URL patterns.
type EmbedPolicy struct {
	patterns []*regexp.Regexp
}

// NewEmbedPolicy compiles the supplied patterns, falling back to
// DefaultEmbedPatterns when none are given.
func NewEmbedPolicy(patterns []string) (*EmbedPolicy, error) {
	if len(patterns) == 0 {
		patterns = DefaultEmbedPatterns
	}
	policy := &EmbedPolicy{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, raw := range patterns {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		re, err := regexp.Compile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("compile embed pattern %q: %w", trimmed, err)
		}
		policy.patterns = append(policy.patterns, re)
	}
	if len(policy.patterns) == 0 {
		return nil, fmt.Errorf("embed policy requires at least one pattern")
	}
	return policy, nil
}

// MustEmbedPolicy is NewEmbedPolicy for static pattern sets.
func MustEmbedPolicy(patterns []string) *EmbedPolicy {
	policy, err := NewEmbedPolicy(patterns)
	if err != nil {
		panic(err)
	}
	return policy
}

// Allowed reports whether url matches one of the allow-listed patterns.
func (p *EmbedPolicy) Allowed(url string) bool {
	if p == nil {
		return false
	}
	for _, re := range p.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// ExtractEmbedURL returns the src of an iframe embed code, or the trimmed
// input when it is already a bare URL.
func ExtractEmbedURL(input string) string {
	trimmed := strings.TrimSpace(input)
	if match := iframeSrc.FindStringSubmatch(trimmed); match != nil {
		return strings.TrimSpace(match[1])
	}
	if strings.Contains(trimmed, "<") {
		return ""
	}
	return trimmed
}

// EmbedHash is the EIP-191 text hash of the raw embed code.
func EmbedHash(embed string) common.Hash {
	return common.BytesToHash(accounts.TextHash([]byte(embed)))
}

// NewSong validates the user supplied fields and builds the Song submitted
// with a bid. embed may be a bare URL or the provider's iframe code. Title
// and artist are NFC normalised so the byte limit is stable across input
// methods.
func NewSong(title, artist, embed string, policy *EmbedPolicy) (Song, error) {
	title = norm.NFC.String(strings.TrimSpace(title))
	artist = norm.NFC.String(strings.TrimSpace(artist))
	if err := validateField("title", title); err != nil {
		return Song{}, err
	}
	if err := validateField("artist", artist); err != nil {
		return Song{}, err
	}
	if strings.TrimSpace(embed) == "" {
		return Song{}, invalid("embed", "embed code is required")
	}
	url := ExtractEmbedURL(embed)
	if url == "" || !policy.Allowed(url) {
		return Song{}, invalid("embed", "embed url is not an allowed provider track")
	}
	return Song{
		Title:     title,
		Artist:    artist,
		EmbedHash: EmbedHash(embed),
		EmbedURL:  url,
	}, nil
}

// ValidateSong re-checks an already built song, e.g. one decoded from JSON.
func ValidateSong(song Song, policy *EmbedPolicy) error {
	if err := validateField("title", song.Title); err != nil {
		return err
	}
	if err := validateField("artist", song.Artist); err != nil {
		return err
	}
	if !policy.Allowed(song.EmbedURL) {
		return invalid("embed", "embed url is not an allowed provider track")
	}
	return nil
}

func validateField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(name, "%s is required", name)
	}
	if len(value) > MaxSongFieldLen {
		return invalid(name, "%s must be at most %d characters", name, MaxSongFieldLen)
	}
	return nil
}
