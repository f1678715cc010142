// Package auth derives the request credentials the vendor expects from a
// browser-exported session cookie.
package auth

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultUIN is used when the cookie carries no usable uin.
	DefaultUIN = "0"

	seed     = 5381
	mask31   = 0x7FFFFFFF
	guidBase = 1000000000
)

// tokenFields are checked in order; the first non-empty one seeds g_tk.
var tokenFields = []string{"qqmusic_key", "p_skey", "skey", "p_lskey", "lskey"}

var (
	whitespace = regexp.MustCompile(`\s+`)
	uinField   = regexp.MustCompile(`uin=([^;]+)`)
	digitRun   = regexp.MustCompile(`\d+`)
)

// Context holds the credentials derived from one cookie string.
type Context struct {
	Cookie string
	UIN    string
	GTK    int64
}

// New derives a Context. It never fails: a malformed cookie degrades to defaults
// and is only rejected later by a live session check.
func New(cookie string) Context {
	clean := CleanCookie(cookie)

	return Context{
		Cookie: clean,
		UIN:    NormalizeUIN(rawUIN(clean)),
		GTK:    GTK(token(clean)),
	}
}

// CleanCookie percent-encodes "*" and strips all whitespace.
func CleanCookie(cookie string) string {
	cookie = strings.ReplaceAll(cookie, "*", "%2A")

	return whitespace.ReplaceAllString(cookie, "")
}

// NormalizeUIN strips the "o"/"O" prefix and coerces the value to digits.
func NormalizeUIN(raw string) string {
	uin := strings.TrimLeft(raw, "oO")
	if uin != "" && isDigits(uin) {
		return uin
	}

	if run := digitRun.FindString(uin); run != "" {
		return run
	}

	return DefaultUIN
}

// GTK computes the 31-bit rolling hash used as the signing seed.
func GTK(token string) int64 {
	h := int64(seed)
	for _, ch := range token {
		h += (h << 5) + int64(ch)
		h &= mask31
	}

	return h & mask31
}

// Comm builds the common block every musics.fcg request carries.
func (c Context) Comm(guid string) map[string]any {
	comm := map[string]any{
		"ct":                24,
		"cv":                0,
		"format":            "json",
		"uin":               c.UIN,
		"platform":          "yqq.json",
		"g_tk_new_20200303": c.GTK,
		"g_tk":              c.GTK,
		"needNewCode":       0,
	}
	if guid != "" {
		comm["guid"] = guid
	}

	return comm
}

// NewGUID returns a fresh 10-digit correlation id.
func NewGUID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9*guidBase))
	if err != nil {
		return strconv.Itoa(guidBase)
	}

	return strconv.FormatInt(n.Int64()+guidBase, 10)
}

func token(cookie string) string {
	for _, field := range tokenFields {
		if v := fieldValue(cookie, field); v != "" {
			return v
		}
	}

	return ""
}

func rawUIN(cookie string) string {
	if m := uinField.FindStringSubmatch(cookie); m != nil {
		return m[1]
	}

	return ""
}

// fieldValue extracts the value of an exact name=value field.
func fieldValue(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && k == name {
			return v
		}
	}

	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
